package engine

// grokAdapter covers grok.com. Grok serves limited answers to
// logged-out visitors and keeps X login links in persistent chrome,
// which is why login detection defers to composer availability.
type grokAdapter struct {
	base
}
