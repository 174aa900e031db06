// Package platform is the client for the job queue the worker feeds
// from: fetch, claim, complete, status, heartbeat. Requests are
// HMAC-signed per worker.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ellipsesearch/rpa/internal/models"
)

// Job is one queued prompt to capture.
type Job struct {
	ID           string        `json:"id"`
	BrandID      string        `json:"brand_id"`
	PromptID     string        `json:"prompt_id"`
	PromptText   string        `json:"prompt_text"`
	BatchID      string        `json:"analysis_batch_id,omitempty"`
	Engine       models.Engine `json:"engine"`
	Language     string        `json:"language,omitempty"`
	Region       string        `json:"region,omitempty"`
	BrandDomain  string        `json:"brand_domain,omitempty"`
	BrandName    string        `json:"brand_name,omitempty"`
	BrandAliases []string      `json:"brand_aliases,omitempty"`
	Priority     string        `json:"priority,omitempty"`
}

// Client talks to the platform queue endpoints.
type Client struct {
	baseURL  string
	workerID string
	signer   *Signer
	hc       *http.Client
	log      *slog.Logger
}

// New builds a client. secret empty disables signing (local dev).
func New(baseURL, secret, workerID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var signer *Signer
	if secret != "" {
		signer = NewSigner(secret)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		workerID: workerID,
		signer:   signer,
		hc:       &http.Client{Timeout: 60 * time.Second},
		log:      logger.With("component", "platform"),
	}
}

// FetchJobs pulls up to limit pending jobs for the given engines.
func (c *Client) FetchJobs(ctx context.Context, limit int, engines []models.Engine) ([]Job, error) {
	names := make([]string, len(engines))
	for i, e := range engines {
		names[i] = e.String()
	}
	q := url.Values{
		"worker_id": {c.workerID},
		"limit":     {strconv.Itoa(limit)},
		"engines":   {strings.Join(names, ",")},
	}
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/analysis/rpa-queue?"+q.Encode(), "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ClaimJobs marks jobs as owned by this worker before processing.
// Returns the jobs actually claimed.
func (c *Client) ClaimJobs(ctx context.Context, jobs []Job) ([]Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	body := map[string]any{"job_ids": ids, "worker_id": c.workerID}
	if err := c.do(ctx, http.MethodPost, "/api/analysis/rpa-queue", "", body, nil); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CompleteJob delivers a capture result to the ingest endpoint.
func (c *Client) CompleteJob(ctx context.Context, job Job, res *models.CaptureResult) error {
	success := res.Outcome.OK()
	runID := fmt.Sprintf("%s_%s_%s", c.workerID, time.Now().UTC().Format("20060102_150405"), job.Engine)

	payload := map[string]any{
		"job_id":            job.ID,
		"success":           success,
		"event":             "prompt_completed",
		"run_id":            runID,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"brand_id":          job.BrandID,
		"analysis_batch_id": job.BatchID,
		"language":          job.Language,
		"region":            job.Region,
		"simulation_id":     job.ID,
		"result": map[string]any{
			"prompt_id":     job.PromptID,
			"prompt_text":   job.PromptText,
			"engine":        job.Engine,
			"outcome":       res.Outcome,
			"method":        res.Method,
			"response_html": res.HTML,
			"content":       res.Content,
			"start_time":    res.StartTimestamp,
			"end_time":      res.EndTimestamp,
			"duration_ms":   res.DurationMS(),
			"success":       success,
			"error_message": res.Error,
			"run_id":        runID,
		},
	}
	return c.do(ctx, http.MethodPost, "/api/analysis/rpa-ingest", job.ID, payload, nil)
}

// UpdateStatus patches a job's queue state after completion or failure.
func (c *Client) UpdateStatus(ctx context.Context, jobID string, outcome models.Outcome, errMsg string) error {
	body := map[string]any{
		"job_id":    jobID,
		"worker_id": c.workerID,
		"status":    queueStatus(outcome),
		"outcome":   outcome,
	}
	if errMsg != "" {
		body["error_message"] = errMsg
	}
	return c.do(ctx, http.MethodPatch, "/api/analysis/rpa-queue", jobID, body, nil)
}

func queueStatus(outcome models.Outcome) string {
	switch {
	case outcome.OK():
		return "completed"
	case outcome.Retryable():
		return "pending"
	default:
		return "failed"
	}
}

// Heartbeat reports the worker as alive with its current stats.
func (c *Client) Heartbeat(ctx context.Context, stats map[string]any) error {
	body := map[string]any{
		"worker_id": c.workerID,
		"status":    "active",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range stats {
		body[k] = v
	}
	return c.do(ctx, http.MethodPost, "/api/analysis/rpa-status", "", body, nil)
}

// Offline reports a clean shutdown so the queue can reassign promptly.
func (c *Client) Offline(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/analysis/rpa-status?worker_id="+url.QueryEscape(c.workerID), "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, jobID string, body, out any) error {
	var raw []byte
	var err error
	if body != nil {
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		h := c.signer.Sign(c.workerID, jobID, raw)
		req.Header.Set("X-RPA-Signature", h.Signature)
		req.Header.Set("X-RPA-Timestamp", h.Timestamp)
		req.Header.Set("X-RPA-Worker", h.WorkerID)
		if h.JobID != "" {
			req.Header.Set("X-RPA-Job", h.JobID)
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		c.log.Warn("platform request rejected",
			"method", method, "path", path, "status", resp.StatusCode, "body", string(snippet))
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return nil
}
