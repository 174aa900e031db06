package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/platform"
	"github.com/ellipsesearch/rpa/internal/ratelimit"
)

func TestRequestFromJob(t *testing.T) {
	job := platform.Job{
		ID:           "job-7",
		PromptText:   "best widgets 2026",
		Engine:       models.EnginePerplexity,
		Language:     "de-DE",
		Region:       "DE",
		BrandDomain:  "acme.example",
		BrandName:    "Acme",
		BrandAliases: []string{"AcmeCo", "Acme Inc"},
		Priority:     "high",
	}
	req := requestFromJob(job)

	if req.JobID != "job-7" || req.Engine != models.EnginePerplexity || req.Prompt != "best widgets 2026" {
		t.Errorf("core fields mangled: %+v", req)
	}
	if req.Language != "de-DE" || req.Region != "DE" {
		t.Errorf("locale fields mangled: lang=%q region=%q", req.Language, req.Region)
	}
	if req.BrandDomain != "acme.example" || req.BrandName != "Acme" {
		t.Errorf("brand fields mangled: domain=%q name=%q", req.BrandDomain, req.BrandName)
	}
	if len(req.BrandAliases) != 2 || req.BrandAliases[0] != "AcmeCo" {
		t.Errorf("aliases mangled: %v", req.BrandAliases)
	}
	if req.Priority != ratelimit.PriorityHigh {
		t.Errorf("Priority = %d, want %d", req.Priority, ratelimit.PriorityHigh)
	}
}

func TestDeduplicator(t *testing.T) {
	t.Run("exact duplicate", func(t *testing.T) {
		d := NewDeduplicator(0, 0)
		first := d.CheckAndRecord("Best CRM for small teams", models.EngineChatGPT)
		if first.Duplicate || first.Similar {
			t.Errorf("first sighting flagged: %+v", first)
		}
		second := d.CheckAndRecord("  best crm  for small TEAMS ", models.EngineChatGPT)
		if !second.Duplicate || second.Score != 1.0 {
			t.Errorf("normalized repeat not flagged as duplicate: %+v", second)
		}
	})

	t.Run("similar above threshold", func(t *testing.T) {
		d := NewDeduplicator(0.85, time.Hour)
		base := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty"
		d.CheckAndRecord(base, models.EngineGrok)
		v := d.CheckAndRecord(base+" extra", models.EngineGrok)
		if !v.Similar || v.Duplicate {
			t.Errorf("near-identical prompt not flagged similar: %+v", v)
		}
		if v.Score <= 0.85 {
			t.Errorf("Score = %v, want > 0.85", v.Score)
		}
	})

	t.Run("engines do not collide", func(t *testing.T) {
		d := NewDeduplicator(0, 0)
		d.CheckAndRecord("same prompt", models.EngineChatGPT)
		v := d.CheckAndRecord("same prompt", models.EngineGemini)
		if v.Duplicate || v.Similar {
			t.Errorf("cross-engine collision: %+v", v)
		}
	})

	t.Run("window expiry", func(t *testing.T) {
		d := NewDeduplicator(0, 10*time.Minute)
		current := time.Now()
		d.now = func() time.Time { return current }
		d.CheckAndRecord("vintage prompt", models.EngineGrok)
		current = current.Add(11 * time.Minute)
		v := d.CheckAndRecord("vintage prompt", models.EngineGrok)
		if v.Duplicate {
			t.Error("expired entry still matched")
		}
	})

	t.Run("bounded memory", func(t *testing.T) {
		d := NewDeduplicator(0, 0)
		for i := 0; i < 200; i++ {
			d.CheckAndRecord(string(rune('a'+i%26))+" prompt", models.EngineChatGPT)
		}
		if len(d.entries) > d.maxSize {
			t.Errorf("entries = %d, want <= %d", len(d.entries), d.maxSize)
		}
	})
}

func TestJaccard(t *testing.T) {
	a := wordSet("one two three four")
	b := wordSet("one two three nope")
	if got := jaccard(a, b); got != 0.6 {
		t.Errorf("jaccard = %v, want 0.6", got)
	}
	if got := jaccard(a, wordSet("")); got != 0 {
		t.Errorf("jaccard vs empty = %v, want 0", got)
	}
}

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []platform.Job
	completed []string
	statuses  map[string]models.Outcome
	offline   bool
}

func newFakeQueue(jobs ...platform.Job) *fakeQueue {
	return &fakeQueue{jobs: jobs, statuses: map[string]models.Outcome{}}
}

func (q *fakeQueue) FetchJobs(ctx context.Context, limit int, engines []models.Engine) ([]platform.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs, nil
}

func (q *fakeQueue) ClaimJobs(ctx context.Context, jobs []platform.Job) ([]platform.Job, error) {
	return jobs, nil
}

func (q *fakeQueue) CompleteJob(ctx context.Context, job platform.Job, res *models.CaptureResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, job.ID)
	return nil
}

func (q *fakeQueue) UpdateStatus(ctx context.Context, jobID string, outcome models.Outcome, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.statuses[jobID] = outcome
	return nil
}

func (q *fakeQueue) Heartbeat(ctx context.Context, stats map[string]any) error { return nil }

func (q *fakeQueue) Offline(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.offline = true
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	res   *models.CaptureResult
	err   error
}

func (r *fakeRunner) Run(ctx context.Context, req *models.CaptureRequest) (*models.CaptureResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	res := *r.res
	res.JobID = req.JobID
	return &res, nil
}

func testWorker(runner Runner, queue Queue) *Worker {
	cfg := &config.Config{
		WorkerPollEvery:   time.Millisecond,
		HeartbeatInterval: time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, "w-test", runner, queue, logger)
}

func okCapture() *models.CaptureResult {
	return &models.CaptureResult{
		Outcome: models.OutcomeSuccess,
		Content: &models.CaptureContent{ResponseText: "answer"},
	}
}

func TestProcessSuccess(t *testing.T) {
	queue := newFakeQueue()
	runner := &fakeRunner{res: okCapture()}
	w := testWorker(runner, queue)

	job := platform.Job{ID: "j1", Engine: models.EngineChatGPT, PromptText: "best crm"}
	w.process(context.Background(), job)

	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
	if len(queue.completed) != 1 || queue.completed[0] != "j1" {
		t.Errorf("completed = %v", queue.completed)
	}
	if queue.statuses["j1"] != models.OutcomeSuccess {
		t.Errorf("status = %s", queue.statuses["j1"])
	}
	if w.promptsDone.Load() != 1 || w.consecErrors != 0 {
		t.Errorf("promptsDone = %d, consecErrors = %d", w.promptsDone.Load(), w.consecErrors)
	}
}

func TestProcessRunnerError(t *testing.T) {
	queue := newFakeQueue()
	runner := &fakeRunner{err: errors.New("boom")}
	w := testWorker(runner, queue)

	w.process(context.Background(), platform.Job{ID: "j1", Engine: models.EngineGrok, PromptText: "p"})

	if len(queue.completed) != 0 {
		t.Errorf("completed = %v, want none", queue.completed)
	}
	if queue.statuses["j1"] != models.OutcomeEngineError {
		t.Errorf("status = %s, want engine_error", queue.statuses["j1"])
	}
	if w.consecErrors != 1 {
		t.Errorf("consecErrors = %d, want 1", w.consecErrors)
	}
}

func TestProcessSkipsDuplicate(t *testing.T) {
	queue := newFakeQueue()
	runner := &fakeRunner{res: okCapture()}
	w := testWorker(runner, queue)

	job := platform.Job{ID: "j1", Engine: models.EngineChatGPT, PromptText: "same prompt"}
	w.process(context.Background(), job)
	job2 := platform.Job{ID: "j2", Engine: models.EngineChatGPT, PromptText: "same prompt"}
	w.process(context.Background(), job2)

	if runner.calls != 1 {
		t.Errorf("runner calls = %d, duplicate must not run", runner.calls)
	}
	if queue.statuses["j2"] != models.OutcomeEngineError {
		t.Errorf("duplicate status = %s", queue.statuses["j2"])
	}
}

func TestRunStopsOnCancelAndGoesOffline(t *testing.T) {
	queue := newFakeQueue()
	runner := &fakeRunner{res: okCapture()}
	w := testWorker(runner, queue)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if !queue.offline {
		t.Error("worker did not report offline on shutdown")
	}
}

func TestCycleProcessesClaimedJobs(t *testing.T) {
	queue := newFakeQueue(
		platform.Job{ID: "j1", Engine: models.EngineChatGPT, PromptText: "prompt one"},
		platform.Job{ID: "j2", Engine: models.EngineGemini, PromptText: "prompt two"},
	)
	runner := &fakeRunner{res: okCapture()}
	w := testWorker(runner, queue)

	if err := w.cycle(context.Background()); err != nil {
		t.Fatalf("cycle() error = %v", err)
	}
	if runner.calls != 2 {
		t.Errorf("runner calls = %d, want 2", runner.calls)
	}
	if len(queue.completed) != 2 {
		t.Errorf("completed = %v", queue.completed)
	}
}
