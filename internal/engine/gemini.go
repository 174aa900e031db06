package engine

import "net/url"

// geminiAdapter covers gemini.google.com. Gemini accepts an interface
// language hint on the URL, which keeps UI chrome in a predictable
// locale even when the proxy exit moves around.
type geminiAdapter struct {
	base
}

func (a *geminiAdapter) localizedURL(in Input) string {
	if in.Language == "" {
		return a.table.URL
	}
	return a.table.URL + "?hl=" + url.QueryEscape(in.Language)
}
