package domparser

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ellipsesearch/rpa/internal/models"
)

func testParser() *Parser {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var testSelectors = Selectors{
	ResponseText:   ".answer",
	CitationLink:   `.answer a[href^="http"]`,
	SourceCard:     ".source-card",
	SearchChip:     ".chip",
	ProductTile:    ".product-tile",
	Panel:          ".knowledge-panel",
	FollowUp:       ".follow-up",
	ExcludeDomains: []string{"chatgpt.com", "openai.com"},
}

const fixtureHTML = `<!doctype html><html><body>
<div class="answer">
	<p>The best option is <strong>Acme</strong>. See
	<a href="https://acme.com/pricing">1</a> and
	<a href="https://reviews.example.org/acme">the review</a>.
	Internal <a href="https://chatgpt.com/help">link</a> is noise.</p>
</div>
<div class="source-card featured-card">
	<a href="https://acme.com/about">About Acme</a>
	<p class="snippet">Acme corporate site</p>
</div>
<div class="source-card">
	<a href="https://www.youtube.com/watch?v=123">Acme demo video</a>
</div>
<div class="chip">acme pricing</div>
<div class="chip">acme alternatives</div>
<div class="chip">acme pricing</div>
<div class="product-tile">
	<h3 class="product-name">Acme Widget</h3>
	<span class="price">$19.99</span>
	<span class="rating">4.5</span>
	<a href="https://acme.com/widget">buy</a>
	<img src="https://img.example.com/widget.png">
</div>
<div class="knowledge-panel">
	<h2>Acme Inc</h2>
	<div class="subtitle">Software company</div>
	<p class="description">Acme makes widgets.</p>
	<dl><dt>Founded</dt><dd>2001</dd><dt>HQ</dt><dd>Berlin</dd></dl>
	<a href="https://x.com/acme">X</a>
	<a href="https://linkedin.com/company/acme">LinkedIn</a>
</div>
<button class="follow-up">What does Acme cost?</button>
<button class="follow-up">Is there a free tier?</button>
</body></html>`

func TestExtractAll(t *testing.T) {
	p := testParser()
	content, err := p.ExtractAll(context.Background(), fixtureHTML, testSelectors)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}

	t.Run("response text", func(t *testing.T) {
		if content.ResponseText == "" {
			t.Fatal("empty response text")
		}
		if want := "The best option is Acme"; !strings.Contains(content.ResponseText, want) {
			t.Errorf("text %q missing %q", content.ResponseText, want)
		}
	})

	t.Run("markdown", func(t *testing.T) {
		if !strings.Contains(content.ResponseMarkdown, "**Acme**") {
			t.Errorf("markdown %q missing bold brand", content.ResponseMarkdown)
		}
	})

	t.Run("citations exclude engine domains and dedupe", func(t *testing.T) {
		if len(content.Citations) != 2 {
			t.Fatalf("citations = %d, want 2 (got %+v)", len(content.Citations), content.Citations)
		}
		first := content.Citations[0]
		if first.URL != "https://acme.com/pricing" {
			t.Errorf("first citation = %q, numbered citation should sort first", first.URL)
		}
		if first.Index != 1 {
			t.Errorf("index = %d, want 1", first.Index)
		}
		if !first.Cited {
			t.Error("citations must be marked cited")
		}
	})

	t.Run("source cards typed by heuristics", func(t *testing.T) {
		if len(content.SourceCards) != 2 {
			t.Fatalf("cards = %d, want 2", len(content.SourceCards))
		}
		if content.SourceCards[0].Type != models.SourceFeatured {
			t.Errorf("first card type = %q, want featured", content.SourceCards[0].Type)
		}
		if content.SourceCards[1].Type != models.SourceVideo {
			t.Errorf("youtube card type = %q, want video", content.SourceCards[1].Type)
		}
		if content.SourceCards[0].Snippet != "Acme corporate site" {
			t.Errorf("snippet = %q", content.SourceCards[0].Snippet)
		}
	})

	t.Run("chips deduplicated", func(t *testing.T) {
		if len(content.SearchChips) != 2 {
			t.Errorf("chips = %v, want 2 unique", content.SearchChips)
		}
	})

	t.Run("product tile", func(t *testing.T) {
		if len(content.Products) != 1 {
			t.Fatalf("products = %d, want 1", len(content.Products))
		}
		prod := content.Products[0]
		if prod.Name != "Acme Widget" || prod.Price != "$19.99" || prod.Rating != "4.5" {
			t.Errorf("product = %+v", prod)
		}
		if prod.URL != "https://acme.com/widget" {
			t.Errorf("product url = %q", prod.URL)
		}
	})

	t.Run("knowledge panel", func(t *testing.T) {
		if content.Panel == nil {
			t.Fatal("nil panel")
		}
		if content.Panel.Name != "Acme Inc" {
			t.Errorf("panel name = %q", content.Panel.Name)
		}
		if content.Panel.Attributes["Founded"] != "2001" {
			t.Errorf("attributes = %v", content.Panel.Attributes)
		}
		if content.Panel.SocialLinks["x"] == "" && content.Panel.SocialLinks["twitter"] == "" {
			t.Errorf("social links = %v, want an x.com entry", content.Panel.SocialLinks)
		}
	})

	t.Run("follow ups", func(t *testing.T) {
		if len(content.FollowUps) != 2 {
			t.Errorf("follow-ups = %v, want 2", content.FollowUps)
		}
	})
}

func TestExtractAllDegradesToEmpty(t *testing.T) {
	p := testParser()
	content, err := p.ExtractAll(context.Background(), "<html><body><p>plain</p></body></html>", testSelectors)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if len(content.Citations) != 0 || content.Panel != nil || len(content.Products) != 0 {
		t.Errorf("expected empty structured fields, got %+v", content)
	}
}

func TestExtractAllEmptySelectors(t *testing.T) {
	p := testParser()
	content, err := p.ExtractAll(context.Background(), fixtureHTML, Selectors{})
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if content.ResponseText == "" {
		t.Error("text extraction should fall back to the whole document")
	}
	if len(content.Citations) != 0 {
		t.Error("no citation selector means no citations")
	}
}
