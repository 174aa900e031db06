// Package ratelimit paces capture traffic per engine.
//
// Three mechanisms stack: hard hourly/daily counters that reset on
// wall-clock boundaries, a minimum interval between requests to the same
// engine (jittered, doubled during night hours when real usage is thin),
// and an exponential backoff that grows on failures and is cleared only by
// an explicit success report. Failures are also tracked per source IP so a
// burned proxy exit carries its penalty across engines. On top of that
// each engine has a bounded number of concurrency slots with a wait queue
// ordered by caller priority, FIFO within a priority level.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/models"
)

var (
	// ErrHourlyLimit is returned when the engine's hourly budget is spent.
	ErrHourlyLimit = errors.New("hourly request limit reached")
	// ErrDailyLimit is returned when the engine's daily budget is spent.
	ErrDailyLimit = errors.New("daily request limit reached")
	// ErrGlobalLimit is returned when the cross-engine budget is spent.
	ErrGlobalLimit = errors.New("global request limit reached")
	// ErrClosed is returned after the limiter has been shut down.
	ErrClosed = errors.New("rate limiter closed")
)

const (
	backoffBase    = 30 * time.Second
	backoffCeiling = 10 * time.Minute
	maxBackoffLvl  = 5
	nightStartHour = 1
	nightEndHour   = 6

	// ipPenaltyTTL bounds how long a quiet IP keeps its failure record.
	ipPenaltyTTL = time.Hour
)

// Caller priorities for Acquire. Higher values jump the slot queue.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// ParsePriority maps a job priority label to a queue priority. Unknown
// labels rank as normal.
func ParsePriority(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "urgent":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// window is a counting window with a fixed reset boundary.
type window struct {
	count   int
	resetAt time.Time
}

func (w *window) roll(now time.Time, next func(time.Time) time.Time) {
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = next(now)
	}
}

// waiter is one queued Acquire call. The queue stays sorted by priority,
// insertion order within a level.
type waiter struct {
	ch       chan struct{}
	priority int
}

type engineState struct {
	limits      config.EngineLimits
	hour        window
	day         window
	lastRequest time.Time
	backoffLvl  int
	inFlight    int
	waiting     []*waiter
}

// ipPenalty tracks failures attributed to one source IP.
type ipPenalty struct {
	level    int
	lastSeen time.Time
}

// Limiter enforces pacing across all engines.
type Limiter struct {
	mu      sync.Mutex
	engines map[models.Engine]*engineState
	global  struct {
		hourlyLimit int
		dailyLimit  int
		hour        window
		day         window
	}
	ips    map[string]*ipPenalty
	rng    *rand.Rand
	closed bool

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter from configured limits.
func New(cfg *config.Config) *Limiter {
	l := &Limiter{
		engines: make(map[models.Engine]*engineState),
		ips:     make(map[string]*ipPenalty),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	l.global.hourlyLimit = cfg.GlobalHourlyLimit
	l.global.dailyLimit = cfg.GlobalDailyLimit

	now := time.Now()
	l.global.hour.resetAt = nextHour(now)
	l.global.day.resetAt = nextDay(now)

	for name, limits := range cfg.EngineLimits {
		e, err := models.ParseEngine(name)
		if err != nil {
			continue
		}
		l.engines[e] = &engineState{
			limits: limits,
			hour:   window{resetAt: nextHour(now)},
			day:    window{resetAt: nextDay(now)},
		}
	}
	return l
}

func nextHour(t time.Time) time.Time { return t.Truncate(time.Hour).Add(time.Hour) }
func nextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until the engine may issue a request, then takes a
// concurrency slot. ip is the source address the request will exit from
// (empty when unknown); a penalized ip extends the wait. priority orders
// the slot queue when all slots are taken. Exhausted hourly/daily budgets
// are rejected immediately with a typed error rather than held for up to
// an hour.
func (l *Limiter) Acquire(ctx context.Context, engine models.Engine, ip string, priority int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	es, ok := l.engines[engine]
	if !ok {
		es = &engineState{
			limits: config.EngineLimits{HourlyLimit: 10, DailyLimit: 50, MinInterval: 30 * time.Second, MaxConcurrent: 1},
			hour:   window{resetAt: nextHour(l.now())},
			day:    window{resetAt: nextDay(l.now())},
		}
		l.engines[engine] = es
	}

	now := l.now()
	es.hour.roll(now, nextHour)
	es.day.roll(now, nextDay)
	l.global.hour.roll(now, nextHour)
	l.global.day.roll(now, nextDay)

	switch {
	case es.hour.count >= es.limits.HourlyLimit:
		l.mu.Unlock()
		return ErrHourlyLimit
	case es.day.count >= es.limits.DailyLimit:
		l.mu.Unlock()
		return ErrDailyLimit
	case l.global.hourlyLimit > 0 && l.global.hour.count >= l.global.hourlyLimit,
		l.global.dailyLimit > 0 && l.global.day.count >= l.global.dailyLimit:
		l.mu.Unlock()
		return ErrGlobalLimit
	}

	wait := l.waitForLocked(es, ip, now)
	l.mu.Unlock()

	if err := l.sleep(ctx, wait); err != nil {
		return err
	}

	return l.takeSlot(ctx, engine, es, priority)
}

// waitForLocked computes the pacing delay: the remaining min-interval with
// jitter, doubled at night, against the current engine and ip backoff
// delays; the largest wins.
func (l *Limiter) waitForLocked(es *engineState, ip string, now time.Time) time.Duration {
	var wait time.Duration
	if !es.lastRequest.IsZero() {
		elapsed := now.Sub(es.lastRequest)
		min := es.limits.MinInterval
		if min > 0 {
			// Jitter only ever stretches the gap. Shrinking it
			// would undercut the interval floor.
			min += time.Duration(l.rng.Float64() * 0.2 * float64(min))
			if h := now.Hour(); h >= nightStartHour && h < nightEndHour {
				min *= 2
			}
			if elapsed < min {
				wait = min - elapsed
			}
		}
	}

	if b := backoffFor(es.backoffLvl); b > wait {
		wait = b
	}
	if ip != "" {
		if p, ok := l.ips[ip]; ok {
			if b := backoffFor(p.level); b > wait {
				wait = b
			}
		}
	}
	return wait
}

func backoffFor(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	b := backoffBase << (level - 1)
	if b > backoffCeiling {
		b = backoffCeiling
	}
	return b
}

// takeSlot claims a concurrency slot, queueing by priority when all are
// taken.
func (l *Limiter) takeSlot(ctx context.Context, engine models.Engine, es *engineState, priority int) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	max := es.limits.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	if es.inFlight < max {
		l.recordLocked(es)
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{}), priority: priority}
	// Insert after the last waiter of equal or higher priority so equal
	// priorities stay FIFO.
	pos := len(es.waiting)
	for i, q := range es.waiting {
		if q.priority < priority {
			pos = i
			break
		}
	}
	es.waiting = append(es.waiting, nil)
	copy(es.waiting[pos+1:], es.waiting[pos:])
	es.waiting[pos] = w
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		for i, q := range es.waiting {
			if q == w {
				es.waiting = append(es.waiting[:i], es.waiting[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	case <-w.ch:
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		l.recordLocked(es)
		l.mu.Unlock()
		return nil
	}
}

func (l *Limiter) recordLocked(es *engineState) {
	now := l.now()
	es.inFlight++
	es.hour.count++
	es.day.count++
	l.global.hour.count++
	l.global.day.count++
	es.lastRequest = now
}

// Release frees the engine's concurrency slot and wakes the next waiter.
// Safe to call once per successful Acquire.
func (l *Limiter) Release(engine models.Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()

	es, ok := l.engines[engine]
	if !ok || es.inFlight == 0 {
		return
	}
	es.inFlight--
	if len(es.waiting) > 0 {
		w := es.waiting[0]
		es.waiting = es.waiting[1:]
		close(w.ch)
	}
}

// ReportSuccess clears the engine's backoff and forgives the source ip.
func (l *Limiter) ReportSuccess(engine models.Engine, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if es, ok := l.engines[engine]; ok {
		es.backoffLvl = 0
	}
	if ip != "" {
		delete(l.ips, ip)
	}
}

// ReportFailure raises the engine's backoff one level, up to the ceiling,
// and records a strike against the source ip.
func (l *Limiter) ReportFailure(engine models.Engine, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if es, ok := l.engines[engine]; ok && es.backoffLvl < maxBackoffLvl {
		es.backoffLvl++
	}
	if ip == "" {
		return
	}
	now := l.now()
	p := l.ips[ip]
	if p == nil {
		p = &ipPenalty{}
		l.ips[ip] = p
	}
	if p.level < maxBackoffLvl {
		p.level++
	}
	p.lastSeen = now
	l.pruneIPsLocked(now)
}

// pruneIPsLocked drops penalty records for IPs quiet past the TTL.
func (l *Limiter) pruneIPsLocked(now time.Time) {
	for ip, p := range l.ips {
		if now.Sub(p.lastSeen) > ipPenaltyTTL {
			delete(l.ips, ip)
		}
	}
}

// BackoffDelay reports the current failure backoff for an engine. Zero
// means no backoff is in effect.
func (l *Limiter) BackoffDelay(engine models.Engine) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	es, ok := l.engines[engine]
	if !ok || es.backoffLvl == 0 {
		return 0
	}
	d := backoffBase << (es.backoffLvl - 1)
	if d > backoffCeiling {
		d = backoffCeiling
	}
	return d
}

// Close rejects future acquires and wakes all waiters with ErrClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, es := range l.engines {
		for _, w := range es.waiting {
			close(w.ch)
		}
		es.waiting = nil
	}
}
