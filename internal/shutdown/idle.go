// Package shutdown provides graceful shutdown utilities including idle
// monitoring for scale-to-zero workers.
package shutdown

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IdleMonitor tracks job activity and signals shutdown when the worker
// has been idle past its timeout. Use ShutdownChan() to receive the
// shutdown signal.
type IdleMonitor struct {
	idleTimeout time.Duration
	lastJob     atomic.Value // time.Time
	activeJobs  atomic.Int64
	logger      *slog.Logger
	stopCh      chan struct{}
	shutdownCh  chan struct{}
	wg          sync.WaitGroup
	checkEvery  time.Duration
}

// IdleMonitorConfig configures the idle monitor.
type IdleMonitorConfig struct {
	// Timeout is the duration of inactivity before triggering shutdown.
	// Set to 0 or negative to disable idle monitoring.
	Timeout time.Duration

	// Logger for idle monitoring events.
	Logger *slog.Logger
}

// NewIdleMonitor creates a new idle monitor.
// If timeout is <= 0, the monitor is disabled.
func NewIdleMonitor(cfg IdleMonitorConfig) *IdleMonitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &IdleMonitor{
		idleTimeout: cfg.Timeout,
		logger:      logger,
		stopCh:      make(chan struct{}),
		shutdownCh:  make(chan struct{}),
		checkEvery:  10 * time.Second,
	}
	m.lastJob.Store(time.Now())
	return m
}

// Start begins monitoring for idle state. When the idle timeout is
// reached with no jobs in flight, ShutdownChan() is closed.
func (m *IdleMonitor) Start() {
	if m.idleTimeout <= 0 {
		m.logger.Info("idle monitoring disabled (set WORKER_IDLE_EXIT to enable)")
		return
	}

	m.logger.Info("idle monitoring started", "timeout", m.idleTimeout)

	m.wg.Add(1)
	go m.run()
}

// IsEnabled returns true if idle monitoring is enabled (timeout > 0).
func (m *IdleMonitor) IsEnabled() bool {
	return m.idleTimeout > 0
}

// Stop stops the idle monitor.
func (m *IdleMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *IdleMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			last := m.lastJob.Load().(time.Time)
			idleTime := time.Since(last)
			active := m.activeJobs.Load()

			if idleTime > m.idleTimeout && active == 0 {
				m.logger.Info("idle timeout reached, signaling graceful shutdown",
					"idle_time", idleTime.Round(time.Second),
					"timeout", m.idleTimeout,
				)
				close(m.shutdownCh)
				return
			}

			if idleTime > m.idleTimeout/2 {
				m.logger.Debug("idle check",
					"idle_time", idleTime.Round(time.Second),
					"active_jobs", active,
					"timeout", m.idleTimeout,
				)
			}
		}
	}
}

// TrackJob marks that a job has started.
// Returns a function to call when the job completes.
func (m *IdleMonitor) TrackJob() func() {
	m.activeJobs.Add(1)
	m.lastJob.Store(time.Now())

	return func() {
		m.activeJobs.Add(-1)
		m.lastJob.Store(time.Now())
	}
}

// Touch resets the idle timer without tracking a job. Called on poll
// cycles that found work so a busy-but-slow queue never looks idle.
func (m *IdleMonitor) Touch() {
	m.lastJob.Store(time.Now())
}

// ShutdownChan returns a channel that is closed when idle shutdown is
// triggered. Main should select on this alongside SIGTERM.
func (m *IdleMonitor) ShutdownChan() <-chan struct{} {
	return m.shutdownCh
}

// ActiveJobs returns the current number of jobs in flight.
func (m *IdleMonitor) ActiveJobs() int64 {
	return m.activeJobs.Load()
}

// LastJobTime returns the time of the last job activity.
func (m *IdleMonitor) LastJobTime() time.Time {
	return m.lastJob.Load().(time.Time)
}

// IdleTime returns how long the worker has been idle.
func (m *IdleMonitor) IdleTime() time.Duration {
	return time.Since(m.LastJobTime())
}
