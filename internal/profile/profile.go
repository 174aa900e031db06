// Package profile manages long-lived browser personas.
//
// A profile binds a fingerprint to accumulated usage history so the same
// identity returns to an engine with the same hardware story every time.
// Profiles wear out: too many warnings, too much age or a burned login gets
// a profile rotated out and replaced.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ellipsesearch/rpa/internal/crypto"
	"github.com/ellipsesearch/rpa/internal/fingerprint"
	"github.com/ellipsesearch/rpa/internal/models"
)

var (
	// ErrNoProfile is returned when every profile is exhausted or cooling down.
	ErrNoProfile = errors.New("no eligible profile available")
	// ErrNotFound is returned for an unknown profile ID.
	ErrNotFound = errors.New("profile not found")
)

// Profile is one persona.
type Profile struct {
	ID          string                   `json:"id"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint"`

	DailyUse     int                         `json:"dailyUse"`
	DailyResetAt time.Time                   `json:"dailyResetAt"` // next UTC midnight
	TotalUse     int                         `json:"totalUse"`
	LastUse      map[models.Engine]time.Time `json:"lastUse"`
	WarningCount int                         `json:"warningCount"`
	Healthy      bool                        `json:"healthy"`
	CreatedAt    time.Time                   `json:"createdAt"`
}

// Options configure the Manager.
type Options struct {
	Dir            string
	Target         int           // desired pool size; hard cap is 2x
	DailyCap       int           // captures per profile per day
	MaxAge         time.Duration // rotate after this
	MaxWarnings    int
	EngineCooldown time.Duration // minimum gap between uses of one engine by one profile
}

// Manager owns the profile pool and its persistence.
type Manager struct {
	mu        sync.Mutex
	opts      Options
	gen       *fingerprint.Generator
	encryptor *crypto.Encryptor // nil means cleartext files
	logger    *slog.Logger
	rng       *rand.Rand
	profiles  map[string]*Profile
}

// NewManager creates a Manager and loads any persisted profiles from disk.
func NewManager(opts Options, gen *fingerprint.Generator, encryptor *crypto.Encryptor, logger *slog.Logger) (*Manager, error) {
	if opts.Target <= 0 {
		opts.Target = 5
	}
	if opts.DailyCap <= 0 {
		opts.DailyCap = 40
	}
	if opts.MaxWarnings <= 0 {
		opts.MaxWarnings = 3
	}
	if opts.EngineCooldown <= 0 {
		opts.EngineCooldown = 15 * time.Second
	}

	m := &Manager{
		opts:      opts,
		gen:       gen,
		encryptor: encryptor,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		profiles:  make(map[string]*Profile),
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create profile dir: %w", err)
		}
		if err := m.loadAll(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// GetProfile returns the best eligible profile for an engine, creating one
// when the pool has headroom. The eligible set is ranked by ascending daily
// use with a random pick among the least-used three, so rotation is not a
// strict round-robin.
func (m *Manager) GetProfile(engine models.Engine) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var eligible []*Profile
	for _, p := range m.profiles {
		m.maybeResetDaily(p, now)
		if !p.Healthy {
			continue
		}
		if p.DailyUse >= m.opts.DailyCap {
			continue
		}
		if m.opts.MaxAge > 0 && now.Sub(p.CreatedAt) > m.opts.MaxAge {
			continue
		}
		if last, ok := p.LastUse[engine]; ok && now.Sub(last) < m.opts.EngineCooldown {
			continue
		}
		eligible = append(eligible, p)
	}

	if len(eligible) == 0 {
		if len(m.profiles) < 2*m.opts.Target {
			return m.createLocked()
		}
		return nil, ErrNoProfile
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].DailyUse != eligible[j].DailyUse {
			return eligible[i].DailyUse < eligible[j].DailyUse
		}
		return eligible[i].TotalUse < eligible[j].TotalUse
	})
	top := len(eligible)
	if top > 3 {
		top = 3
	}
	return eligible[m.rng.Intn(top)], nil
}

// Get returns a profile by ID.
func (m *Manager) Get(id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// ReportUse records that a profile was used against an engine.
func (m *Manager) ReportUse(id string, engine models.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return
	}
	now := time.Now()
	m.maybeResetDaily(p, now)
	p.DailyUse++
	p.TotalUse++
	if p.LastUse == nil {
		p.LastUse = make(map[models.Engine]time.Time)
	}
	p.LastUse[engine] = now
	m.persistLocked(p)
}

// ReportWarning records a soft detection signal (interstitial, unusual
// traffic notice). The profile is retired at MaxWarnings.
func (m *Manager) ReportWarning(id string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return
	}
	p.WarningCount++
	m.logger.Warn("profile warning", "profile_id", id, "reason", reason, "count", p.WarningCount)
	if p.WarningCount >= m.opts.MaxWarnings {
		p.Healthy = false
		m.logger.Info("profile retired", "profile_id", id)
	}
	m.persistLocked(p)
}

// Rotate retires a profile and creates a fresh one in its place.
func (m *Manager) Rotate(id string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.profiles, id)
	if m.opts.Dir != "" {
		os.Remove(m.path(old.ID))
	}
	m.logger.Info("profile rotated", "profile_id", id)
	return m.createLocked()
}

// Count returns the number of profiles, healthy and total.
func (m *Manager) Count() (healthy, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.Healthy {
			healthy++
		}
	}
	return healthy, len(m.profiles)
}

func (m *Manager) createLocked() (*Profile, error) {
	p := &Profile{
		ID:           ulid.Make().String(),
		Fingerprint:  m.gen.Generate(""),
		DailyResetAt: nextUTCMidnight(time.Now()),
		LastUse:      make(map[models.Engine]time.Time),
		Healthy:      true,
		CreatedAt:    time.Now(),
	}
	m.profiles[p.ID] = p
	if err := m.persistLocked(p); err != nil {
		return nil, err
	}
	m.logger.Info("profile created", "profile_id", p.ID, "archetype", p.Fingerprint.Archetype)
	return p, nil
}

func (m *Manager) maybeResetDaily(p *Profile, now time.Time) {
	if now.After(p.DailyResetAt) {
		p.DailyUse = 0
		p.DailyResetAt = nextUTCMidnight(now)
	}
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.opts.Dir, id+".json")
}

func (m *Manager) persistLocked(p *Profile) error {
	if m.opts.Dir == "" {
		return nil
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	data := raw
	if m.encryptor != nil {
		sealed, err := m.encryptor.EncryptBytes(raw)
		if err != nil {
			return fmt.Errorf("failed to encrypt profile: %w", err)
		}
		data = sealed
	}
	if err := os.WriteFile(m.path(p.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to read profile dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.opts.Dir, e.Name()))
		if err != nil {
			m.logger.Warn("failed to read profile file", "file", e.Name(), "error", err)
			continue
		}
		raw := data
		if m.encryptor != nil {
			plain, err := m.encryptor.DecryptBytes(data)
			if err != nil {
				m.logger.Warn("failed to decrypt profile, skipping", "file", e.Name(), "error", err)
				continue
			}
			raw = plain
		}
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			m.logger.Warn("failed to parse profile, skipping", "file", e.Name(), "error", err)
			continue
		}
		if p.Fingerprint != nil {
			if err := fingerprint.Check(p.Fingerprint); err != nil {
				m.logger.Warn("stored fingerprint inconsistent, skipping profile", "file", e.Name(), "error", err)
				continue
			}
		}
		if p.LastUse == nil {
			p.LastUse = make(map[models.Engine]time.Time)
		}
		m.profiles[p.ID] = &p
	}

	m.logger.Info("profiles loaded", "count", len(m.profiles))
	return nil
}
