package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ellipsesearch/rpa/internal/domparser"
	"github.com/ellipsesearch/rpa/internal/models"
)

// SelectorTable is the per-engine DOM contract, kept as data so a UI
// rename is a table edit, not a code change. Comma-separated CSS lists
// are allowed anywhere a single selector is.
type SelectorTable struct {
	Version string `json:"version"`
	URL     string `json:"url"`

	// Tried in order; engines rename their input hooks constantly.
	PromptInput  []string `json:"promptInput"`
	SubmitButton []string `json:"submitButton"`

	ResponseContainer  string `json:"responseContainer"`
	ResponseText       string `json:"responseText"`
	StreamingIndicator string `json:"streamingIndicator"`
	StopButton         string `json:"stopButton,omitempty"`

	SourcesSection string `json:"sourcesSection"`
	SourceCard     string `json:"sourceCard"`
	CitationLink   string `json:"citationLink"`
	SearchChip     string `json:"searchChip,omitempty"`
	ProductTile    string `json:"productTile,omitempty"`
	Panel          string `json:"panel,omitempty"`
	FollowUp       string `json:"followUp,omitempty"`

	ErrorMessage  string `json:"errorMessage"`
	RateLimit     string `json:"rateLimit,omitempty"`
	LoginRequired string `json:"loginRequired,omitempty"`
	NewChatButton string `json:"newChatButton"`

	// ExcludeDomains are the engine's own hosts, filtered from sources.
	ExcludeDomains []string `json:"excludeDomains"`
}

// ParserSelectors maps the table onto the extraction layer.
func (t SelectorTable) ParserSelectors() domparser.Selectors {
	return domparser.Selectors{
		ResponseText:   t.ResponseText,
		CitationLink:   t.CitationLink,
		SourcesSection: t.SourcesSection,
		SourceCard:     t.SourceCard,
		SearchChip:     t.SearchChip,
		ProductTile:    t.ProductTile,
		Panel:          t.Panel,
		FollowUp:       t.FollowUp,
		ExcludeDomains: t.ExcludeDomains,
	}
}

var selectorTables = map[models.Engine]SelectorTable{
	models.EngineChatGPT: {
		Version: "2026-01",
		URL:     "https://chatgpt.com",
		PromptInput: []string{
			"#prompt-textarea",
			"div[id='prompt-textarea']",
			"textarea[data-id='composer-input']",
			"div[contenteditable='true'][role='textbox']",
			"textarea[placeholder*='Message']",
			"[contenteditable='true'][data-placeholder]",
			"textarea[role='textbox']",
			"textarea",
		},
		SubmitButton: []string{
			"[data-testid='send-button']",
			"button[aria-label='Send prompt']",
			"button[aria-label*='Send']",
			"button[type='submit']",
		},
		ResponseContainer:  "[data-message-author-role='assistant']",
		ResponseText:       ".markdown.prose, [class*='prose'], .markdown, [class*='markdown'], [class*='response-content']",
		StreamingIndicator: "[data-state='streaming'], .result-streaming, [class*='animate-pulse'], [class*='result-streaming'], svg.animate-spin",
		StopButton:         "button[aria-label*='Stop'], [data-testid='stop-button'], [aria-label='Stop generating']",
		SourcesSection:     "[class*='sources'], [class*='webSearchResults'], [class*='web-search'], [class*='citation'], [class*='references']",
		SourceCard:         "[class*='source-card'], [class*='WebSearchResult'], [class*='citation-card'], [class*='reference-card']",
		CitationLink:       "a[href^='http']:not([href*='openai.com']):not([href*='chatgpt.com'])",
		ErrorMessage:       "[class*='error-message'], [role='alert']",
		RateLimit:          "[class*='rate-limit'], [class*='capacity']",
		LoginRequired:      "[data-testid='login-button'], a[href*='/auth']",
		NewChatButton:      "[data-testid='new-chat-button'], [data-testid='create-new-chat-button'], [aria-label*='New chat'], a[href='/']",
		ExcludeDomains:     []string{"openai.com", "chatgpt.com", "cdn.oaistatic.com", "auth0.com"},
	},

	models.EngineGemini: {
		Version: "2026-01",
		URL:     "https://gemini.google.com/app",
		PromptInput: []string{
			"rich-textarea",
			"rich-textarea [contenteditable='true']",
			"[contenteditable='true'][role='textbox']",
			"textarea[placeholder*='Enter a prompt']",
			"textarea[aria-label*='prompt']",
			"textarea",
		},
		SubmitButton: []string{
			"button[aria-label*='Send']",
			"button[data-testid='send-button']",
			"[class*='send-button']",
			"button[type='submit']",
		},
		ResponseContainer:  "[id^='model-response-message-content'], div.markdown.markdown-main-panel, .markdown-main-panel, .model-response-text, [class*='response-container'], message-content, [class*='model-response']",
		ResponseText:       "div.markdown.markdown-main-panel, .markdown-main-panel, [class*='markdown'], [class*='response-text']",
		StreamingIndicator: ".loading-state, [class*='loading'], [class*='pending'], [class*='streaming']",
		SourcesSection:     ".grounding-sources, [class*='grounding'], [class*='sources']",
		SourceCard:         ".source-chip, [class*='source-chip'], [class*='citation-chip']",
		CitationLink:       "a.source-link, [class*='source-link'], a[href^='http']:not([href*='google.com'])",
		SearchChip:         "[class*='search-chip'], [class*='related-search']",
		ErrorMessage:       ".error-container, [class*='error'], [role='alert']",
		LoginRequired:      "a[href*='accounts.google.com']",
		NewChatButton:      "[aria-label*='New chat'], [class*='new-conversation'], button[aria-label*='New']",
		ExcludeDomains:     []string{"google.com", "gstatic.com", "googleusercontent.com"},
	},

	models.EnginePerplexity: {
		Version: "2026-01",
		URL:     "https://www.perplexity.ai",
		PromptInput: []string{
			"textarea[placeholder*='Ask']",
			"textarea[data-testid='search-input']",
			"textarea[data-testid='perplexity-input']",
			"textarea[aria-label*='Ask']",
			"div[contenteditable='true'][role='textbox']",
			"textarea",
		},
		SubmitButton: []string{
			"button[type='submit']",
			"button[aria-label*='Search']",
			"button[aria-label*='Submit']",
			"button[data-testid='submit-button']",
		},
		ResponseContainer:  "div.prose, [class*='prose'][class*='inline'], [class*='response-text'], [class*='answer']",
		ResponseText:       "div.prose, p.my-2, h2, ul.list-disc, li, p",
		StreamingIndicator: "[class*='animate-pulse'], [class*='typing'], [class*='streaming'], [class*='loading']",
		SourcesSection:     "[class*='sources-section'], [class*='sources']",
		SourceCard:         "[class*='source-card'], [class*='source-item'], [class*='citation-card'], span.citation",
		CitationLink:       "span.citation a[href^='http'], a[data-pplx-citation], a[href^='http']:not([href*='perplexity.ai'])",
		FollowUp:           "[class*='related-question'], [class*='suggestion']",
		ErrorMessage:       "[class*='error'], [role='alert']",
		NewChatButton:      "button[aria-label*='New chat'], a[href='/']",
		ExcludeDomains:     []string{"perplexity.ai"},
	},

	models.EngineGrok: {
		Version: "2026-01",
		URL:     "https://grok.com",
		PromptInput: []string{
			"div.tiptap.ProseMirror[contenteditable='true']",
			"div.ProseMirror[contenteditable='true']",
			"div[contenteditable='true'].tiptap",
			"div[contenteditable='true'][tabindex='0']",
			"textarea[placeholder*='Ask Grok']",
			"textarea[placeholder*='Message']",
			"[class*='chat-input']",
			"div[contenteditable='true'][role='textbox']",
			"textarea",
		},
		SubmitButton: []string{
			"button[type='submit']",
			"button[aria-label*='Send']",
			"[class*='send-button']",
			"button[data-testid='send-button']",
		},
		ResponseContainer:  "div.response-content-markdown, div.markdown, [class*='response-content-markdown'], [class*='response-content'], [class*='message-content']",
		ResponseText:       "div.response-content-markdown, div.markdown, p, h3, ul, ol",
		StreamingIndicator: "[class*='typing'], [class*='loading'], [class*='streaming'], [class*='thinking'], [class*='animate-pulse']",
		SourcesSection:     ".sources-section, [class*='sources'], [class*='citations']",
		SourceCard:         ".source-preview, [class*='source-card'], [class*='citation']",
		CitationLink:       "a[href^='http']:not([href*='grok.com']):not([href*='x.com'])",
		ErrorMessage:       ".error-banner, [class*='error'], [role='alert']",
		LoginRequired:      "a[href*='twitter.com'], [class*='login-with-x']",
		NewChatButton:      "[class*='new-chat'], button[aria-label*='New'], a[href='/']",
		ExcludeDomains:     []string{"grok.com", "x.com", "twitter.com"},
	},
}

// Table returns the selector table for an engine.
func Table(e models.Engine) (SelectorTable, bool) {
	t, ok := selectorTables[e]
	return t, ok
}

// LoadTableOverrides merges a JSON file of per-engine tables over the
// built-in defaults. Only engines present in the file are replaced, and
// only fields they set; selector updates ship as data, not releases.
func LoadTableOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read selector overrides: %w", err)
	}
	var overrides map[string]SelectorTable
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse selector overrides: %w", err)
	}
	for name, o := range overrides {
		e, err := models.ParseEngine(name)
		if err != nil {
			return fmt.Errorf("selector overrides: %w", err)
		}
		base := selectorTables[e]
		selectorTables[e] = mergeTable(base, o)
	}
	return nil
}

func mergeTable(base, o SelectorTable) SelectorTable {
	if o.Version != "" {
		base.Version = o.Version
	}
	if o.URL != "" {
		base.URL = o.URL
	}
	if len(o.PromptInput) > 0 {
		base.PromptInput = o.PromptInput
	}
	if len(o.SubmitButton) > 0 {
		base.SubmitButton = o.SubmitButton
	}
	if o.ResponseContainer != "" {
		base.ResponseContainer = o.ResponseContainer
	}
	if o.ResponseText != "" {
		base.ResponseText = o.ResponseText
	}
	if o.StreamingIndicator != "" {
		base.StreamingIndicator = o.StreamingIndicator
	}
	if o.StopButton != "" {
		base.StopButton = o.StopButton
	}
	if o.SourcesSection != "" {
		base.SourcesSection = o.SourcesSection
	}
	if o.SourceCard != "" {
		base.SourceCard = o.SourceCard
	}
	if o.CitationLink != "" {
		base.CitationLink = o.CitationLink
	}
	if o.SearchChip != "" {
		base.SearchChip = o.SearchChip
	}
	if o.ProductTile != "" {
		base.ProductTile = o.ProductTile
	}
	if o.Panel != "" {
		base.Panel = o.Panel
	}
	if o.FollowUp != "" {
		base.FollowUp = o.FollowUp
	}
	if o.ErrorMessage != "" {
		base.ErrorMessage = o.ErrorMessage
	}
	if o.RateLimit != "" {
		base.RateLimit = o.RateLimit
	}
	if o.LoginRequired != "" {
		base.LoginRequired = o.LoginRequired
	}
	if o.NewChatButton != "" {
		base.NewChatButton = o.NewChatButton
	}
	if len(o.ExcludeDomains) > 0 {
		base.ExcludeDomains = o.ExcludeDomains
	}
	return base
}
