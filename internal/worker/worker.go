// Package worker polls the platform queue and drives captures through
// the orchestrator: claim, run, report, with heartbeats, consecutive-
// error backoff, periodic session breaks, and idle scale-to-zero.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/platform"
	"github.com/ellipsesearch/rpa/internal/ratelimit"
	"github.com/ellipsesearch/rpa/internal/shutdown"
)

// Runner executes one capture. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, req *models.CaptureRequest) (*models.CaptureResult, error)
}

// Queue is the platform client surface the worker needs.
type Queue interface {
	FetchJobs(ctx context.Context, limit int, engines []models.Engine) ([]platform.Job, error)
	ClaimJobs(ctx context.Context, jobs []platform.Job) ([]platform.Job, error)
	CompleteJob(ctx context.Context, job platform.Job, res *models.CaptureResult) error
	UpdateStatus(ctx context.Context, jobID string, outcome models.Outcome, errMsg string) error
	Heartbeat(ctx context.Context, stats map[string]any) error
	Offline(ctx context.Context) error
}

const (
	fetchLimit         = 5
	promptsPerBreak    = 10
	errorBreakAfter    = 3
	similarDelayMinSec = 30
	similarDelayMaxSec = 90
)

// Worker is the queue-driven capture loop.
type Worker struct {
	ID string

	cfg    *config.Config
	runner Runner
	queue  Queue
	dedup  *Deduplicator
	idle   *shutdown.IdleMonitor
	log    *slog.Logger
	rng    *rand.Rand

	promptsDone  atomic.Int64 // read by the heartbeat goroutine
	consecErrors int

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a worker. id should match the identity the queue client
// signs with; when empty a fresh one is generated.
func New(cfg *config.Config, id string, runner Runner, queue Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = NewID()
	}
	return &Worker{
		ID:     id,
		cfg:    cfg,
		runner: runner,
		queue:  queue,
		dedup:  NewDeduplicator(0, 0),
		idle: shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
			Timeout: cfg.WorkerIdleExit,
			Logger:  logger,
		}),
		log:   logger.With("component", "worker", "worker", id),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

// NewID mints a worker identity for queue registration.
func NewID() string {
	return "rpa-" + ulid.Make().String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run polls until the context is canceled or the idle monitor fires.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", "poll", w.cfg.WorkerPollEvery, "idleExit", w.cfg.WorkerIdleExit)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx)
	w.idle.Start()

	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.queue.Offline(offCtx); err != nil {
			w.log.Warn("offline notification failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", "reason", "context canceled")
			return ctx.Err()
		case <-w.idle.ShutdownChan():
			w.log.Info("worker stopping", "reason", "idle timeout")
			return nil
		default:
		}

		if err := w.cycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.consecErrors++
			w.log.Warn("poll cycle failed", "error", err, "consecutive", w.consecErrors)
		}

		if w.consecErrors >= errorBreakAfter {
			pause := time.Duration(30+w.rng.Intn(31)) * time.Second
			w.log.Warn("error break", "consecutive", w.consecErrors, "pause", pause)
			if err := w.sleep(ctx, pause); err != nil {
				return err
			}
			w.consecErrors = 0
		}
	}
}

// cycle is one fetch, claim, process pass. Returns nil when there was
// nothing to do.
func (w *Worker) cycle(ctx context.Context) error {
	jobs, err := w.queue.FetchJobs(ctx, fetchLimit, models.AllEngines)
	if err != nil {
		_ = w.sleep(ctx, w.cfg.WorkerPollEvery)
		return err
	}
	if len(jobs) == 0 {
		w.consecErrors = 0
		return w.sleep(ctx, w.cfg.WorkerPollEvery)
	}
	w.idle.Touch()

	if done := w.promptsDone.Load(); done > 0 && done%promptsPerBreak == 0 {
		pause := time.Duration(60+w.rng.Intn(61)) * time.Second
		w.log.Info("session break", "promptsDone", done, "pause", pause)
		if err := w.sleep(ctx, pause); err != nil {
			return err
		}
	}

	claimed, err := w.queue.ClaimJobs(ctx, jobs)
	if err != nil {
		return err
	}
	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.process(ctx, job)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, job platform.Job) {
	done := w.idle.TrackJob()
	defer done()

	log := w.log.With("job", job.ID, "engine", job.Engine)

	verdict := w.dedup.CheckAndRecord(job.PromptText, job.Engine)
	switch {
	case verdict.Duplicate:
		log.Warn("duplicate prompt within window, skipping")
		if err := w.queue.UpdateStatus(ctx, job.ID, models.OutcomeEngineError, "duplicate prompt skipped"); err != nil {
			log.Warn("status update failed", "error", err)
		}
		return
	case verdict.Similar:
		delay := time.Duration(similarDelayMinSec+w.rng.Intn(similarDelayMaxSec-similarDelayMinSec+1)) * time.Second
		log.Info("similar prompt in window, delaying", "score", verdict.Score, "delay", delay)
		if err := w.sleep(ctx, delay); err != nil {
			return
		}
	}

	res, err := w.runner.Run(ctx, requestFromJob(job))
	if err != nil {
		w.consecErrors++
		log.Error("capture failed", "error", err)
		if uerr := w.queue.UpdateStatus(ctx, job.ID, models.OutcomeEngineError, err.Error()); uerr != nil {
			log.Warn("status update failed", "error", uerr)
		}
		return
	}

	if err := w.queue.CompleteJob(ctx, job, res); err != nil {
		log.Error("result delivery failed", "error", err)
	}
	if err := w.queue.UpdateStatus(ctx, job.ID, res.Outcome, res.Error); err != nil {
		log.Warn("status update failed", "error", err)
	}

	if res.Outcome.OK() {
		w.consecErrors = 0
		w.promptsDone.Add(1)
		log.Info("job completed", "outcome", res.Outcome, "elapsed_ms", res.DurationMS())
	} else {
		w.consecErrors++
		log.Warn("job unsuccessful", "outcome", res.Outcome, "error", res.Error)
	}
}

func requestFromJob(job platform.Job) *models.CaptureRequest {
	return &models.CaptureRequest{
		JobID:        job.ID,
		Engine:       job.Engine,
		Prompt:       job.PromptText,
		Language:     job.Language,
		Region:       job.Region,
		BrandDomain:  job.BrandDomain,
		BrandName:    job.BrandName,
		BrandAliases: job.BrandAliases,
		Priority:     ratelimit.ParsePriority(job.Priority),
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, interval)
			err := w.queue.Heartbeat(hctx, map[string]any{
				"prompts_done": w.promptsDone.Load(),
				"active_jobs":  w.idle.ActiveJobs(),
			})
			cancel()
			if err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
