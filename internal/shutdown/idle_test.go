package shutdown

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewIdleMonitor(t *testing.T) {
	m := NewIdleMonitor(IdleMonitorConfig{
		Timeout: 60 * time.Second,
		Logger:  testLogger(),
	})
	if m.idleTimeout != 60*time.Second {
		t.Errorf("expected timeout 60s, got %v", m.idleTimeout)
	}
}

func TestIdleMonitor_IsEnabled(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    bool
	}{
		{"positive timeout enabled", 60 * time.Second, true},
		{"zero timeout disabled", 0, false},
		{"negative timeout disabled", -1 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewIdleMonitor(IdleMonitorConfig{
				Timeout: tt.timeout,
				Logger:  testLogger(),
			})
			if got := m.IsEnabled(); got != tt.want {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdleMonitor_TrackJob(t *testing.T) {
	m := NewIdleMonitor(IdleMonitorConfig{
		Timeout: 60 * time.Second,
		Logger:  testLogger(),
	})

	initialTime := m.LastJobTime()
	time.Sleep(10 * time.Millisecond)

	done := m.TrackJob()

	if m.ActiveJobs() != 1 {
		t.Errorf("expected 1 active job, got %d", m.ActiveJobs())
	}
	if !m.LastJobTime().After(initialTime) {
		t.Error("expected last job time to be updated")
	}

	done()

	if m.ActiveJobs() != 0 {
		t.Errorf("expected 0 active jobs after done, got %d", m.ActiveJobs())
	}
}

func TestIdleMonitor_Touch(t *testing.T) {
	m := NewIdleMonitor(IdleMonitorConfig{
		Timeout: 60 * time.Second,
		Logger:  testLogger(),
	})

	before := m.LastJobTime()
	time.Sleep(10 * time.Millisecond)
	m.Touch()

	if !m.LastJobTime().After(before) {
		t.Error("Touch() should reset the idle timer")
	}
	if m.ActiveJobs() != 0 {
		t.Errorf("Touch() should not track a job, active = %d", m.ActiveJobs())
	}
}

func TestIdleMonitor_ShutdownSignal(t *testing.T) {
	t.Run("signals after idle timeout with no jobs", func(t *testing.T) {
		m := NewIdleMonitor(IdleMonitorConfig{
			Timeout: 20 * time.Millisecond,
			Logger:  testLogger(),
		})
		m.checkEvery = 10 * time.Millisecond
		m.Start()

		select {
		case <-m.ShutdownChan():
		case <-time.After(2 * time.Second):
			t.Fatal("expected idle shutdown signal")
		}
	})

	t.Run("does not signal while a job is active", func(t *testing.T) {
		m := NewIdleMonitor(IdleMonitorConfig{
			Timeout: 20 * time.Millisecond,
			Logger:  testLogger(),
		})
		m.checkEvery = 10 * time.Millisecond

		done := m.TrackJob()
		defer done()
		m.Start()
		defer m.Stop()

		select {
		case <-m.ShutdownChan():
			t.Error("monitor signaled shutdown with an active job")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("disabled monitor never signals", func(t *testing.T) {
		m := NewIdleMonitor(IdleMonitorConfig{
			Timeout: 0,
			Logger:  testLogger(),
		})
		if m.IsEnabled() {
			t.Error("monitor should be disabled with timeout 0")
		}
		m.Start()

		select {
		case <-m.ShutdownChan():
			t.Error("disabled monitor should never signal shutdown")
		default:
		}
	})
}

func TestIdleMonitor_IdleTime(t *testing.T) {
	m := NewIdleMonitor(IdleMonitorConfig{
		Timeout: 60 * time.Second,
		Logger:  testLogger(),
	})

	initialIdle := m.IdleTime()
	if initialIdle > 100*time.Millisecond {
		t.Errorf("expected initial idle time < 100ms, got %v", initialIdle)
	}

	time.Sleep(50 * time.Millisecond)
	if m.IdleTime() <= initialIdle {
		t.Error("expected idle time to increase")
	}

	done := m.TrackJob()
	done()

	if m.IdleTime() > 50*time.Millisecond {
		t.Errorf("expected idle time to reset after a job, got %v", m.IdleTime())
	}
}
