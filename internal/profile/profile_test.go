package profile

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ellipsesearch/rpa/internal/crypto"
	"github.com/ellipsesearch/rpa/internal/fingerprint"
	"github.com/ellipsesearch/rpa/internal/models"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	m, err := NewManager(opts, fingerprint.NewGenerator(1), nil, slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestGetProfileCreatesOnDemand(t *testing.T) {
	m := newTestManager(t, Options{Target: 3})

	p, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p.ID == "" || p.Fingerprint == nil {
		t.Fatalf("profile incomplete: %+v", p)
	}
	if !p.Healthy {
		t.Error("new profile should be healthy")
	}
	if err := fingerprint.Check(p.Fingerprint); err != nil {
		t.Errorf("new profile fingerprint inconsistent: %v", err)
	}
}

func TestEngineCooldown(t *testing.T) {
	m := newTestManager(t, Options{Target: 1, EngineCooldown: time.Hour})

	p1, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	m.ReportUse(p1.ID, models.EngineChatGPT)

	// Same engine within the cooldown: must not return p1 again. With a
	// target of 1, a second profile can still be created (cap is 2x).
	p2, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() during cooldown error = %v", err)
	}
	if p2.ID == p1.ID {
		t.Error("profile reused for same engine within cooldown")
	}

	// A different engine can still use p1.
	p3, err := m.GetProfile(models.EngineGemini)
	if err != nil {
		t.Fatalf("GetProfile(other engine) error = %v", err)
	}
	if p3.ID != p1.ID && p3.ID != p2.ID {
		t.Error("unexpected third profile created")
	}
}

func TestDailyCapExcludesProfile(t *testing.T) {
	m := newTestManager(t, Options{Target: 1, DailyCap: 2, EngineCooldown: time.Nanosecond})

	p, err := m.GetProfile(models.EngineGrok)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	m.ReportUse(p.ID, models.EngineGrok)
	m.ReportUse(p.ID, models.EngineGrok)

	time.Sleep(time.Millisecond) // clear the nanosecond cooldown

	p2, err := m.GetProfile(models.EngineGrok)
	if err != nil {
		t.Fatalf("GetProfile() after cap error = %v", err)
	}
	if p2.ID == p.ID {
		t.Error("profile at daily cap was handed out again")
	}
}

func TestPoolExhaustion(t *testing.T) {
	m := newTestManager(t, Options{Target: 1, DailyCap: 1, EngineCooldown: time.Nanosecond})

	// Hard cap is 2x target = 2 profiles; burn both.
	for i := 0; i < 2; i++ {
		p, err := m.GetProfile(models.EngineChatGPT)
		if err != nil {
			t.Fatalf("GetProfile() %d error = %v", i, err)
		}
		m.ReportUse(p.ID, models.EngineChatGPT)
		time.Sleep(time.Millisecond)
	}

	if _, err := m.GetProfile(models.EngineChatGPT); err != ErrNoProfile {
		t.Errorf("GetProfile() with exhausted pool = %v, want ErrNoProfile", err)
	}
}

func TestWarningsRetireProfile(t *testing.T) {
	m := newTestManager(t, Options{Target: 1, MaxWarnings: 2})

	p, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}

	m.ReportWarning(p.ID, "unusual traffic notice")
	got, _ := m.Get(p.ID)
	if !got.Healthy {
		t.Fatal("profile retired before MaxWarnings")
	}

	m.ReportWarning(p.ID, "cloudflare interstitial")
	got, _ = m.Get(p.ID)
	if got.Healthy {
		t.Error("profile still healthy after MaxWarnings")
	}
}

func TestRotate(t *testing.T) {
	m := newTestManager(t, Options{Target: 2})

	p, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}

	fresh, err := m.Rotate(p.ID)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if fresh.ID == p.ID {
		t.Error("Rotate() returned the same profile")
	}
	if _, err := m.Get(p.ID); err != ErrNotFound {
		t.Errorf("rotated profile still present: %v", err)
	}

	if _, err := m.Rotate("missing"); err != ErrNotFound {
		t.Errorf("Rotate(missing) = %v, want ErrNotFound", err)
	}
}

func TestPersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()
	key, _ := crypto.GenerateKey()
	enc, _ := crypto.NewEncryptor(key)

	m1, err := NewManager(Options{Dir: dir, Target: 2}, fingerprint.NewGenerator(2), enc, slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	p, err := m1.GetProfile(models.EnginePerplexity)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	m1.ReportUse(p.ID, models.EnginePerplexity)

	// A second manager over the same dir sees the same profile.
	m2, err := NewManager(Options{Dir: dir, Target: 2}, fingerprint.NewGenerator(3), enc, slog.Default())
	if err != nil {
		t.Fatalf("second NewManager() error = %v", err)
	}
	got, err := m2.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if got.TotalUse != 1 {
		t.Errorf("reloaded TotalUse = %d, want 1", got.TotalUse)
	}
	if got.Fingerprint.ID != p.Fingerprint.ID {
		t.Error("fingerprint did not survive persistence")
	}

	// The wrong key cannot read the files; profiles are skipped, not errors.
	otherKey, _ := crypto.GenerateKey()
	otherEnc, _ := crypto.NewEncryptor(otherKey)
	m3, err := NewManager(Options{Dir: dir, Target: 2}, fingerprint.NewGenerator(4), otherEnc, slog.Default())
	if err != nil {
		t.Fatalf("NewManager() with wrong key error = %v", err)
	}
	if _, total := m3.Count(); total != 0 {
		t.Errorf("wrong key loaded %d profiles, want 0", total)
	}
}

func TestDailyReset(t *testing.T) {
	m := newTestManager(t, Options{Target: 1, DailyCap: 1, EngineCooldown: time.Nanosecond})

	p, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	m.ReportUse(p.ID, models.EngineChatGPT)

	// Force the reset boundary into the past.
	m.mu.Lock()
	m.profiles[p.ID].DailyResetAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	time.Sleep(time.Millisecond)

	got, err := m.GetProfile(models.EngineChatGPT)
	if err != nil {
		t.Fatalf("GetProfile() after reset error = %v", err)
	}
	if got.ID == p.ID && got.DailyUse != 0 {
		t.Errorf("daily counter not reset: %d", got.DailyUse)
	}
}
