package domparser

import (
	"testing"

	"github.com/ellipsesearch/rpa/internal/models"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare domain", "example.com", "example.com"},
		{"with www", "www.example.com", "example.com"},
		{"full url", "https://www.example.com/path?x=1", "example.com"},
		{"with port", "example.com:8080", "example.com"},
		{"trailing punctuation", "example.com).", "example.com"},
		{"uppercase", "EXAMPLE.COM", "example.com"},
		{"subdomain", "https://blog.example.co.uk/post", "blog.example.co.uk"},
		{"no dot", "localhost", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeDomain(tt.input); got != tt.want {
				t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsExcludedDomain(t *testing.T) {
	excludes := []string{"openai.com", "chatgpt.com"}

	if !IsExcludedDomain("openai.com", excludes) {
		t.Error("exact match should be excluded")
	}
	if !IsExcludedDomain("cdn.openai.com", excludes) {
		t.Error("subdomain should be excluded")
	}
	if IsExcludedDomain("notopenai.com", excludes) {
		t.Error("suffix without dot boundary must not be excluded")
	}
	if IsExcludedDomain("example.com", excludes) {
		t.Error("unrelated domain must not be excluded")
	}
}

func TestExtractDomainMentions(t *testing.T) {
	t.Run("finds and normalizes mentions", func(t *testing.T) {
		text := "Check example.com and https://www.other.org/page for details."
		got := ExtractDomainMentions(text, nil)
		want := []string{"example.com", "other.org"}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("mention[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("skips email addresses", func(t *testing.T) {
		got := ExtractDomainMentions("mail me at support@example.com please", nil)
		if len(got) != 0 {
			t.Errorf("got %v, want no mentions from an email", got)
		}
	})

	t.Run("deduplicates", func(t *testing.T) {
		got := ExtractDomainMentions("example.com and www.example.com again", nil)
		if len(got) != 1 {
			t.Errorf("got %v, want one mention", got)
		}
	})

	t.Run("respects excludes", func(t *testing.T) {
		got := ExtractDomainMentions("see chatgpt.com and example.com", []string{"chatgpt.com"})
		if len(got) != 1 || got[0] != "example.com" {
			t.Errorf("got %v, want [example.com]", got)
		}
	})
}

func TestMergeSources(t *testing.T) {
	t.Run("existing wins on url collision", func(t *testing.T) {
		existing := []models.Source{{URL: "https://a.com/x", Title: "rich title"}}
		additions := []models.Source{{URL: "https://a.com/x", Title: "poor"}}
		merged := MergeSources(existing, additions)
		if len(merged) != 1 {
			t.Fatalf("len = %d, want 1", len(merged))
		}
		if merged[0].Title != "rich title" {
			t.Errorf("title = %q, existing entry should win", merged[0].Title)
		}
	})

	t.Run("collision back-fills empty title and snippet", func(t *testing.T) {
		existing := []models.Source{{URL: "https://a.com/x"}}
		additions := []models.Source{{URL: "https://a.com/x", Title: "filled", Snippet: "snip"}}
		merged := MergeSources(existing, additions)
		if len(merged) != 1 {
			t.Fatalf("len = %d, want 1", len(merged))
		}
		if merged[0].Title != "filled" || merged[0].Snippet != "snip" {
			t.Errorf("got %+v, want back-filled title and snippet", merged[0])
		}
	})

	t.Run("never dedupes by domain", func(t *testing.T) {
		existing := []models.Source{{URL: "https://a.com/one", Domain: "a.com"}}
		additions := []models.Source{{URL: "https://a.com/two", Domain: "a.com"}}
		merged := MergeSources(existing, additions)
		if len(merged) != 2 {
			t.Errorf("len = %d, want 2: distinct pages on one domain are distinct sources", len(merged))
		}
	})

	t.Run("domain-only entries dedupe by domain key", func(t *testing.T) {
		existing := []models.Source{{Domain: "a.com"}}
		additions := []models.Source{{Domain: "a.com"}, {Domain: "b.com"}}
		merged := MergeSources(existing, additions)
		if len(merged) != 2 {
			t.Errorf("len = %d, want 2", len(merged))
		}
	})

	t.Run("drops entries with neither url nor domain", func(t *testing.T) {
		merged := MergeSources(nil, []models.Source{{Title: "nothing else"}})
		if len(merged) != 0 {
			t.Errorf("len = %d, want 0", len(merged))
		}
	})
}

func TestSourcesFromDomainMentions(t *testing.T) {
	sources := SourcesFromDomainMentions([]string{"example.com", "www.example.com", "bad"})
	if len(sources) != 1 {
		t.Fatalf("len = %d, want 1", len(sources))
	}
	s := sources[0]
	if s.URL != "https://example.com" {
		t.Errorf("url = %q", s.URL)
	}
	if !s.Inferred {
		t.Error("domain-mention sources must be marked inferred")
	}
}

func TestBrandMentioned(t *testing.T) {
	t.Run("matches bare brand name in text", func(t *testing.T) {
		if !BrandMentioned("I recommend Acme for this", "", "acme.com", "", nil, nil) {
			t.Error("expected bare-name match")
		}
	})

	t.Run("matches via source domain", func(t *testing.T) {
		sources := []models.Source{{Domain: "shop.acme.com"}}
		if !BrandMentioned("nothing here", "", "acme.com", "", nil, sources) {
			t.Error("expected source-domain match")
		}
	})

	t.Run("matches alias", func(t *testing.T) {
		if !BrandMentioned("try AcmeCorp products", "", "unrelated.io", "", []string{"acmecorp"}, nil) {
			t.Error("expected alias match")
		}
	})

	t.Run("short tokens never match", func(t *testing.T) {
		if BrandMentioned("something ab here", "", "ab.io", "ab", nil, nil) {
			t.Error("two-character tokens must be ignored")
		}
	})
}
