package consent

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestAcceptSelectors(t *testing.T) {
	seen := map[string]bool{}
	for _, sel := range acceptSelectors {
		if strings.TrimSpace(sel) == "" {
			t.Error("empty selector in list")
		}
		if strings.Contains(sel, ":has-text") {
			t.Errorf("selector %q uses a pseudo-class querySelector cannot evaluate", sel)
		}
		if seen[sel] {
			t.Errorf("duplicate selector %q", sel)
		}
		seen[sel] = true
	}
}

func TestAcceptTexts(t *testing.T) {
	seen := map[string]bool{}
	for _, txt := range acceptTexts {
		if txt != strings.TrimSpace(txt) || txt == "" {
			t.Errorf("label %q not trimmed", txt)
		}
		if seen[txt] {
			t.Errorf("duplicate label %q", txt)
		}
		seen[txt] = true
	}
}

func TestNewDismisser(t *testing.T) {
	d := NewDismisser(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if d.timeout <= 0 {
		t.Error("timeout not set")
	}
	if d.sleep == nil {
		t.Error("sleep hook not set")
	}

	if nd := NewDismisser(nil); nd.log == nil {
		t.Error("nil logger not defaulted")
	}
}
