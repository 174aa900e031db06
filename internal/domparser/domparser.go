// Package domparser turns a captured answer page into structured
// content. Extraction is engine-agnostic: the caller supplies a selector
// table, and every extractor degrades to empty output on failure so one
// broken selector never aborts a capture.
package domparser

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/ellipsesearch/rpa/internal/models"
)

// Selectors parameterize extraction for one engine. Comma-separated CSS
// lists are fine; goquery handles them natively.
type Selectors struct {
	ResponseText   string
	CitationLink   string
	SourcesSection string
	SourceCard     string
	SearchChip     string
	ProductTile    string
	Panel          string
	FollowUp       string

	// ExcludeDomains filters the engine's own links out of citations.
	ExcludeDomains []string
}

const maxFollowUps = 10

// Parser extracts structured content from captured HTML.
type Parser struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Parser {
	return &Parser{log: log}
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	uiArtifactRe = regexp.MustCompile(`(?i)^(Copy|Share|Like|Dislike|Regenerate)\s*`)
)

// ExtractAll runs every extractor over the captured HTML concurrently
// and assembles the result. Individual extractor failures are logged and
// produce empty fields; only an unparseable document is an error.
func (p *Parser) ExtractAll(ctx context.Context, html string, sel Selectors) (*models.CaptureContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	content := &models.CaptureContent{}
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)

	run := func(name string, fn func()) {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.log.Warn("extractor panicked", "extractor", name, "panic", r)
				}
			}()
			fn()
			return nil
		})
	}

	run("text", func() {
		text := p.extractText(doc, sel)
		mu.Lock()
		content.ResponseText = text
		mu.Unlock()
	})
	run("markdown", func() {
		md := p.extractMarkdown(doc, sel, html)
		mu.Lock()
		content.ResponseMarkdown = md
		mu.Unlock()
	})
	run("citations", func() {
		citations := p.extractCitations(doc, sel)
		mu.Lock()
		content.Citations = citations
		mu.Unlock()
	})
	run("source_cards", func() {
		cards := p.extractSourceCards(doc, sel)
		mu.Lock()
		content.SourceCards = cards
		mu.Unlock()
	})
	run("chips", func() {
		chips := p.extractChips(doc, sel)
		mu.Lock()
		content.SearchChips = chips
		mu.Unlock()
	})
	run("products", func() {
		products := p.extractProducts(doc, sel)
		mu.Lock()
		content.Products = products
		mu.Unlock()
	})
	run("panel", func() {
		panel := p.extractPanel(doc, sel)
		mu.Lock()
		content.Panel = panel
		mu.Unlock()
	})
	run("follow_ups", func() {
		followUps := p.extractFollowUps(doc, sel)
		mu.Lock()
		content.FollowUps = followUps
		mu.Unlock()
	})

	_ = g.Wait()
	return content, nil
}

func (p *Parser) extractText(doc *goquery.Document, sel Selectors) string {
	root := doc.Selection
	if sel.ResponseText != "" {
		if found := doc.Find(sel.ResponseText); found.Length() > 0 {
			root = found.First()
		}
	}
	text := cleanText(root.Text())
	return text
}

func cleanText(s string) string {
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = uiArtifactRe.ReplaceAllString(s, "")
	return s
}

func (p *Parser) extractMarkdown(doc *goquery.Document, sel Selectors, fullHTML string) string {
	input := fullHTML
	if sel.ResponseText != "" {
		if found := doc.Find(sel.ResponseText); found.Length() > 0 {
			if h, err := found.First().Html(); err == nil && h != "" {
				input = h
			}
		}
	}
	md, err := htmltomarkdown.ConvertString(input)
	if err != nil {
		p.log.Warn("markdown conversion failed", "error", err)
		return ""
	}
	return strings.TrimSpace(md)
}

// extractCitations collects links cited inside the answer, de-duped by
// URL and sorted by citation index. A link whose visible text is a bare
// number carries that number as the citation index.
func (p *Parser) extractCitations(doc *goquery.Document, sel Selectors) []models.Source {
	if sel.CitationLink == "" {
		return nil
	}

	var out []models.Source
	seen := map[string]bool{}

	doc.Find(sel.CitationLink).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if !strings.HasPrefix(href, "http") || seen[href] {
			return
		}
		domain := NormalizeDomain(href)
		if domain == "" || IsExcludedDomain(domain, sel.ExcludeDomains) {
			return
		}
		seen[href] = true

		title := strings.TrimSpace(link.Text())
		index := 0
		if n, err := strconv.Atoi(title); err == nil && n > 0 && n < 1000 {
			index = n
			title = ""
		}
		if title == "" {
			if label, ok := link.Attr("aria-label"); ok {
				title = strings.TrimSpace(label)
			}
		}
		if len(title) > 200 {
			title = title[:200]
		}

		out = append(out, models.Source{
			URL:    href,
			Title:  title,
			Domain: domain,
			Index:  index,
			Type:   models.SourceWeb,
			Cited:  true,
		})
	})

	sort.SliceStable(out, func(i, j int) bool {
		// Numbered citations first, in order; unnumbered keep DOM order.
		if out[i].Index != out[j].Index {
			if out[i].Index == 0 {
				return false
			}
			if out[j].Index == 0 {
				return true
			}
			return out[i].Index < out[j].Index
		}
		return false
	})
	return out
}

func (p *Parser) extractSourceCards(doc *goquery.Document, sel Selectors) []models.Source {
	if sel.SourceCard == "" {
		return nil
	}

	var out []models.Source
	seen := map[string]bool{}

	doc.Find(sel.SourceCard).Each(func(_ int, card *goquery.Selection) {
		link := card.Find(`a[href^="http"]`).First()
		href, ok := link.Attr("href")
		if !ok {
			if h, hok := card.Attr("href"); hok {
				href, ok = h, true
				link = card
			}
		}
		if !ok || !strings.HasPrefix(href, "http") || seen[href] {
			return
		}
		domain := NormalizeDomain(href)
		if domain == "" || IsExcludedDomain(domain, sel.ExcludeDomains) {
			return
		}
		seen[href] = true

		title := strings.TrimSpace(link.Text())
		if title == "" {
			title = strings.TrimSpace(card.Text())
		}
		if len(title) > 200 {
			title = title[:200]
		}
		snippet := strings.TrimSpace(card.Find(`[class*="snippet"], [class*="description"], p`).First().Text())
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}

		class, _ := card.Attr("class")
		out = append(out, models.Source{
			URL:     href,
			Title:   title,
			Snippet: snippet,
			Domain:  domain,
			Type:    classifySource(href, class, domain),
		})
	})
	return out
}

var (
	videoDomains  = []string{"youtube.com", "youtu.be", "vimeo.com", "tiktok.com", "dailymotion.com"}
	socialDomains = []string{"twitter.com", "x.com", "facebook.com", "instagram.com", "linkedin.com", "reddit.com", "threads.net"}
	reviewDomains = []string{"trustpilot.com", "yelp.com", "g2.com", "capterra.com", "tripadvisor.com", "glassdoor.com"}
	newsDomains   = []string{"reuters.com", "bbc.com", "cnn.com", "nytimes.com", "theguardian.com", "bloomberg.com", "apnews.com", "forbes.com"}
)

// classifySource types a card by URL and class heuristics.
func classifySource(href, class, domain string) models.SourceType {
	lc := strings.ToLower(class)
	for _, d := range videoDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return models.SourceVideo
		}
	}
	for _, d := range socialDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return models.SourceSocial
		}
	}
	for _, d := range reviewDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return models.SourceReview
		}
	}
	switch {
	case strings.Contains(lc, "video"):
		return models.SourceVideo
	case strings.Contains(lc, "news"):
		return models.SourceNews
	case strings.Contains(lc, "featured") || strings.Contains(lc, "hero"):
		return models.SourceFeatured
	}
	for _, d := range newsDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return models.SourceNews
		}
	}
	return models.SourceWeb
}

func (p *Parser) extractChips(doc *goquery.Document, sel Selectors) []string {
	if sel.SearchChip == "" {
		return nil
	}
	var chips []string
	seen := map[string]bool{}
	doc.Find(sel.SearchChip).Each(func(_ int, chip *goquery.Selection) {
		text := cleanText(chip.Text())
		if text == "" || len(text) > 120 || seen[text] {
			return
		}
		seen[text] = true
		chips = append(chips, text)
	})
	return chips
}

func (p *Parser) extractProducts(doc *goquery.Document, sel Selectors) []models.Product {
	if sel.ProductTile == "" {
		return nil
	}
	var products []models.Product
	doc.Find(sel.ProductTile).Each(func(_ int, tile *goquery.Selection) {
		name := strings.TrimSpace(tile.Find(`[class*="title"], [class*="name"], h3, h4`).First().Text())
		if name == "" {
			return
		}
		prod := models.Product{
			Name:   name,
			Price:  strings.TrimSpace(tile.Find(`[class*="price"]`).First().Text()),
			Rating: strings.TrimSpace(tile.Find(`[class*="rating"], [class*="stars"]`).First().Text()),
		}
		if href, ok := tile.Find(`a[href^="http"]`).First().Attr("href"); ok {
			prod.URL = href
		}
		if src, ok := tile.Find("img").First().Attr("src"); ok {
			prod.ImageURL = src
		}
		products = append(products, prod)
	})
	return products
}

func (p *Parser) extractPanel(doc *goquery.Document, sel Selectors) *models.KnowledgePanel {
	if sel.Panel == "" {
		return nil
	}
	root := doc.Find(sel.Panel).First()
	if root.Length() == 0 {
		return nil
	}

	panel := &models.KnowledgePanel{
		Name:        strings.TrimSpace(root.Find(`h2, h3, [class*="title"], [class*="name"]`).First().Text()),
		Type:        strings.TrimSpace(root.Find(`[class*="subtitle"], [class*="type"], [class*="category"]`).First().Text()),
		Description: strings.TrimSpace(root.Find(`[class*="description"], p`).First().Text()),
	}
	if panel.Name == "" {
		return nil
	}

	attrs := map[string]string{}
	root.Find("dt").Each(func(i int, dt *goquery.Selection) {
		key := strings.TrimSpace(dt.Text())
		val := strings.TrimSpace(dt.Next().Filter("dd").Text())
		if key != "" && val != "" {
			attrs[key] = val
		}
	})
	root.Find(`[class*="attribute"]`).Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSpace(row.Find(`[class*="label"], [class*="key"]`).First().Text())
		val := strings.TrimSpace(row.Find(`[class*="value"]`).First().Text())
		if key != "" && val != "" {
			attrs[key] = val
		}
	})
	if len(attrs) > 0 {
		panel.Attributes = attrs
	}

	social := map[string]string{}
	root.Find(`a[href^="http"]`).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		domain := NormalizeDomain(href)
		for _, d := range socialDomains {
			if domain == d || strings.HasSuffix(domain, "."+d) {
				name := strings.SplitN(d, ".", 2)[0]
				if _, dup := social[name]; !dup {
					social[name] = href
				}
			}
		}
	})
	if len(social) > 0 {
		panel.SocialLinks = social
	}

	return panel
}

func (p *Parser) extractFollowUps(doc *goquery.Document, sel Selectors) []string {
	if sel.FollowUp == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	doc.Find(sel.FollowUp).EachWithBreak(func(_ int, q *goquery.Selection) bool {
		text := cleanText(q.Text())
		if text == "" || len(text) > 300 || seen[text] {
			return true
		}
		seen[text] = true
		out = append(out, text)
		return len(out) < maxFollowUps
	})
	return out
}
