package engine

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ellipsesearch/rpa/internal/models"
)

// perplexityAdapter covers perplexity.ai. Its composer ignores button
// clicks more often than not, so submission is keyboard-first, and a
// query can ride the URL directly when typing is not wanted.
type perplexityAdapter struct {
	base
}

// QueryURL builds a direct search URL for the prompt, bypassing the
// composer entirely. Copilot is forced off so results stay on the
// default answer mode.
func (a *perplexityAdapter) QueryURL(prompt string) string {
	return a.table.URL + "/search?q=" + url.QueryEscape(prompt) + "&copilot=false"
}

// SendPrompt skips the composer when navigation already landed on a
// search result: the prompt rode the URL and the answer is rendering.
// A redirect back to the home page falls through to typing.
func (a *perplexityAdapter) SendPrompt(ctx context.Context, page *rod.Page, prompt string) models.Outcome {
	if info, err := page.Info(); err == nil && strings.Contains(info.URL, "/search") {
		a.baseline = 0
		return models.OutcomeSuccess
	}
	return a.base.SendPrompt(ctx, page, prompt)
}

// keyboardSubmit tries Enter first, then Control+Enter and Meta+Enter,
// and only then the button.
func (a *perplexityAdapter) keyboardSubmit(ctx context.Context, page *rod.Page) error {
	kb := page.Context(ctx).Keyboard
	if err := kb.Type(input.Enter); err == nil {
		return nil
	}
	for _, mod := range []input.Key{input.ControlLeft, input.MetaLeft} {
		if err := kb.Press(mod); err != nil {
			continue
		}
		err := kb.Type(input.Enter)
		_ = kb.Release(mod)
		if err == nil {
			return nil
		}
	}
	if btn := a.findVisible(page, a.table.SubmitButton); btn != nil {
		return btn.Click(proto.InputMouseButtonLeft, 1)
	}
	return kb.Type(input.Enter)
}
