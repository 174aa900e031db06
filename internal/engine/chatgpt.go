package engine

import (
	"context"
	"time"

	"github.com/go-rod/rod"

	"github.com/ellipsesearch/rpa/internal/models"
)

// chatgptAdapter covers chatgpt.com. ChatGPT keeps a visible stop
// button while generating, which is a harder completion signal than
// the streaming class alone.
type chatgptAdapter struct {
	base
}

func (a *chatgptAdapter) WaitForResponse(ctx context.Context, page *rod.Page) models.Outcome {
	if out := a.base.WaitForResponse(ctx, page); out != models.OutcomeSuccess {
		return out
	}
	a.waitStopGone(ctx, page)
	return models.OutcomeSuccess
}

// waitStopGone waits for the stop button to disappear for two
// consecutive checks. Best effort: stabilized text already passed, so
// a lingering button only costs a few polls.
func (a *chatgptAdapter) waitStopGone(ctx context.Context, page *rod.Page) {
	if a.table.StopButton == "" {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	gone := 0
	for gone < 2 {
		visible := false
		if has, el, err := page.Has(a.table.StopButton); err == nil && has {
			visible, _ = el.Visible()
		}
		if visible {
			gone = 0
		} else {
			gone++
			if gone >= 2 {
				return
			}
		}
		if err := a.sleep(wctx, time.Second); err != nil {
			a.log.Debug("stop button still present at deadline")
			return
		}
	}
}
