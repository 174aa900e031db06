package domparser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ellipsesearch/rpa/internal/models"
)

// domainOrURLRe matches bare domains and URLs in free text. Requires at
// least one dot, tolerates an optional scheme, www, port, and punycode
// TLDs.
var domainOrURLRe = regexp.MustCompile(
	`(?i)\b((?:https?://)?(?:www\.)?(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+(?:[a-z]{2,24}|xn--[a-z0-9-]{2,59})(?::\d{2,5})?)`)

var trailingPunct = ").,;:!?'\"”’]}>»"

// NormalizeDomain reduces a domain or URL to a bare lowercase hostname
// without www or port. Returns "" when it cannot be parsed safely.
func NormalizeDomain(domainOrURL string) string {
	raw := strings.TrimSpace(domainOrURL)
	raw = strings.TrimRight(raw, trailingPunct)
	if raw == "" {
		return ""
	}

	toParse := raw
	if !strings.HasPrefix(strings.ToLower(raw), "http://") && !strings.HasPrefix(strings.ToLower(raw), "https://") {
		toParse = "https://" + raw
	}

	parsed, err := url.Parse(toParse)
	if err != nil {
		return ""
	}
	host := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") || strings.ContainsAny(host, " \t\n") {
		return ""
	}
	return host
}

// IsExcludedDomain reports whether domain equals or is a subdomain of
// any entry in excludes.
func IsExcludedDomain(domain string, excludes []string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	for _, ex := range excludes {
		exn := strings.ToLower(strings.TrimSpace(ex))
		if exn == "" {
			continue
		}
		if d == exn || strings.HasSuffix(d, "."+exn) {
			return true
		}
	}
	return false
}

// ExtractDomainMentions pulls unique normalized hostnames out of free
// text, including ones embedded in URLs. Email addresses are skipped.
func ExtractDomainMentions(text string, excludes []string) []string {
	if text == "" {
		return nil
	}

	var found []string
	seen := map[string]bool{}

	for _, loc := range domainOrURLRe.FindAllStringIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		// domain-like text right after @ is an email, not a mention
		if loc[0] > 0 && text[loc[0]-1] == '@' {
			continue
		}
		domain := NormalizeDomain(raw)
		if domain == "" || seen[domain] {
			continue
		}
		if len(excludes) > 0 && IsExcludedDomain(domain, excludes) {
			continue
		}
		seen[domain] = true
		found = append(found, domain)
	}
	return found
}

// DomainToProbableURL guesses the canonical URL for a bare domain.
func DomainToProbableURL(domain string) string {
	d := NormalizeDomain(domain)
	if d == "" {
		return ""
	}
	return "https://" + d
}

// MergeSources merges additions into existing, de-duping primarily by
// URL. Existing entries win on collision since they tend to carry richer
// titles; a colliding addition only back-fills title and snippet fields
// the existing entry left empty. Never de-dupes by domain: engines cite
// multiple pages from one domain and those are distinct sources.
func MergeSources(existing []models.Source, additions []models.Source) []models.Source {
	merged := make([]models.Source, len(existing))
	copy(merged, existing)

	byKey := map[string]int{}
	for i, s := range merged {
		if key := sourceKey(s); key != "" {
			byKey[key] = i
		}
	}

	for _, s := range additions {
		key := sourceKey(s)
		if key == "" {
			continue
		}
		if i, ok := byKey[key]; ok {
			if merged[i].Title == "" {
				merged[i].Title = s.Title
			}
			if merged[i].Snippet == "" {
				merged[i].Snippet = s.Snippet
			}
			continue
		}
		merged = append(merged, s)
		byKey[key] = len(merged) - 1
	}
	return merged
}

func sourceKey(s models.Source) string {
	if u := strings.TrimSpace(s.URL); u != "" {
		return u
	}
	if dom := strings.ToLower(strings.TrimSpace(s.Domain)); dom != "" {
		return "domain:" + dom
	}
	return ""
}

// SourcesFromDomainMentions turns bare domain mentions into inferred
// sources with a probable URL.
func SourcesFromDomainMentions(domains []string) []models.Source {
	var sources []models.Source
	seen := map[string]bool{}
	for _, d := range domains {
		nd := NormalizeDomain(d)
		if nd == "" || seen[nd] {
			continue
		}
		seen[nd] = true
		sources = append(sources, models.Source{
			URL:      DomainToProbableURL(nd),
			Title:    nd,
			Domain:   nd,
			Inferred: true,
		})
	}
	return sources
}

// BrandMentioned checks text, HTML and sources for any appearance of the
// brand: the domain itself, its bare name, or an alias.
func BrandMentioned(text, html, brandDomain, brandName string, aliases []string, sources []models.Source) bool {
	textLower := strings.ToLower(text)
	htmlLower := strings.ToLower(html)

	checks := []string{strings.ToLower(brandDomain), strings.ToLower(brandName)}
	if bare := strings.SplitN(strings.TrimPrefix(strings.ToLower(brandDomain), "www."), ".", 2); len(bare) > 0 {
		checks = append(checks, bare[0])
	}
	for _, a := range aliases {
		checks = append(checks, strings.ToLower(a))
	}

	for _, c := range checks {
		if len(c) > 2 && (strings.Contains(textLower, c) || strings.Contains(htmlLower, c)) {
			return true
		}
	}

	bd := strings.ToLower(brandDomain)
	for _, s := range sources {
		if bd != "" && strings.Contains(strings.ToLower(s.Domain), bd) {
			return true
		}
	}
	return false
}
