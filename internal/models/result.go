package models

// SourceType classifies a source card in an answer page.
type SourceType string

const (
	SourceFeatured SourceType = "featured"
	SourceNews     SourceType = "news"
	SourceVideo    SourceType = "video"
	SourceSocial   SourceType = "social"
	SourceReview   SourceType = "review"
	SourceWeb      SourceType = "web"
)

// Source is one cited or surfaced reference in an engine answer.
type Source struct {
	URL     string     `json:"url"`
	Title   string     `json:"title,omitempty"`
	Snippet string     `json:"snippet,omitempty"`
	Domain  string     `json:"domain,omitempty"`
	Index   int        `json:"index,omitempty"` // citation number when numbered, else 0
	Type    SourceType `json:"type,omitempty"`
	Cited   bool       `json:"cited"`     // referenced inside the answer text
	Inferred bool      `json:"inferred"`  // synthesized from a bare domain mention
}

// KnowledgePanel is the structured entity panel some engines render.
type KnowledgePanel struct {
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	SocialLinks map[string]string `json:"socialLinks,omitempty"`
}

// Product is a product tile surfaced alongside an answer.
type Product struct {
	Name     string `json:"name"`
	Price    string `json:"price,omitempty"`
	Rating   string `json:"rating,omitempty"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// CaptureContent is everything extracted from a rendered answer.
type CaptureContent struct {
	ResponseText     string          `json:"responseText"`
	ResponseMarkdown string          `json:"responseMarkdown,omitempty"`
	Citations        []Source        `json:"citations,omitempty"`
	SourceCards      []Source        `json:"sourceCards,omitempty"`
	SearchChips      []string        `json:"searchChips,omitempty"`
	Products         []Product       `json:"products,omitempty"`
	Panel            *KnowledgePanel `json:"panel,omitempty"`
	FollowUps        []string        `json:"followUps,omitempty"`
	BrandMentioned   bool            `json:"brandMentioned,omitempty"`

	// SearchContext is the unified source list: citations ordered by
	// index, then uncited source cards.
	SearchContext []Source `json:"searchContext,omitempty"`
}

// CaptureResult is the terminal state of one capture attempt.
type CaptureResult struct {
	JobID          string          `json:"jobId"`
	Engine         Engine          `json:"engine"`
	Outcome        Outcome         `json:"outcome"`
	Method         Mode            `json:"method"` // which path actually produced the content
	Content        *CaptureContent `json:"content,omitempty"`
	HTML           string          `json:"-"` // raw captured HTML, not serialized to the platform
	ScreenshotPath string          `json:"screenshotPath,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartTimestamp int64           `json:"startTimestamp"` // Unix ms
	EndTimestamp   int64           `json:"endTimestamp"`   // Unix ms
	ProfileID      string          `json:"profileId,omitempty"`
	ProxyUsed      string          `json:"proxyUsed,omitempty"` // masked
}

// DurationMS returns the wall time the capture took.
func (r *CaptureResult) DurationMS() int64 {
	return r.EndTimestamp - r.StartTimestamp
}

// NewErrorResult builds a failed result carrying an outcome and message.
func NewErrorResult(jobID string, engine Engine, outcome Outcome, msg string, start, end int64) *CaptureResult {
	return &CaptureResult{
		JobID:          jobID,
		Engine:         engine,
		Outcome:        outcome,
		Error:          msg,
		StartTimestamp: start,
		EndTimestamp:   end,
	}
}
