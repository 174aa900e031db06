package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/ellipsesearch/rpa/internal/models"
)

// Engines watch for repeated or near-identical prompts in short
// succession; running them anyway burns the identity. The deduplicator
// keeps a bounded window of recent prompts per check.

// Verdict is the outcome of a duplicate check.
type Verdict struct {
	Duplicate bool
	Similar   bool
	Score     float64
}

type dedupEntry struct {
	normalized string
	words      map[string]struct{}
	engine     models.Engine
	at         time.Time
}

// Deduplicator tracks recent prompts per engine and flags repeats by
// Jaccard word similarity.
type Deduplicator struct {
	mu        sync.Mutex
	threshold float64
	window    time.Duration
	entries   []dedupEntry
	maxSize   int
	now       func() time.Time
}

// NewDeduplicator builds a deduplicator. Zero values get defaults:
// threshold 0.85, window 60 minutes, 50 remembered prompts.
func NewDeduplicator(threshold float64, window time.Duration) *Deduplicator {
	if threshold <= 0 {
		threshold = 0.85
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Deduplicator{
		threshold: threshold,
		window:    window,
		maxSize:   50,
		now:       time.Now,
	}
}

// CheckAndRecord compares the prompt against the window for its engine
// and records it. Prompts for other engines never collide.
func (d *Deduplicator) CheckAndRecord(prompt string, engine models.Engine) Verdict {
	normalized := normalizePrompt(prompt)
	words := wordSet(normalized)
	now := d.now()
	cutoff := now.Add(-d.window)

	d.mu.Lock()
	defer d.mu.Unlock()

	var v Verdict
	for _, e := range d.entries {
		if e.at.Before(cutoff) || e.engine != engine {
			continue
		}
		if e.normalized == normalized {
			v.Duplicate = true
			v.Score = 1.0
			break
		}
		if score := jaccard(e.words, words); score > v.Score {
			v.Score = score
		}
	}
	if !v.Duplicate && v.Score > d.threshold {
		v.Similar = true
	}

	d.entries = append(d.entries, dedupEntry{
		normalized: normalized,
		words:      words,
		engine:     engine,
		at:         now,
	})
	if len(d.entries) > d.maxSize {
		d.entries = d.entries[len(d.entries)-d.maxSize:]
	}
	return v
}

func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
