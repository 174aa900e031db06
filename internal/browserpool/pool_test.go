package browserpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/proxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		MaxBrowsers:        2,
		MaxPagesPerBrowser: 2,
		PageIdleTimeout:    time.Hour,
		BrowserIdleTimeout: time.Hour,
		StealthEnabled:     true,
	}
}

// newTestPool creates a pool whose launch hook hands out unconnected
// browser handles; pages are never created through it.
func newTestPool(cfg *config.Config) *Pool {
	p := New(cfg, nil, nil, nil, Callbacks{}, testLogger())
	p.launch = func(ctx context.Context, px *proxy.Proxy) (*rod.Browser, error) {
		return rod.New(), nil
	}
	return p
}

func TestComposeIdentity(t *testing.T) {
	t.Run("ephemeral fingerprint without a profile manager", func(t *testing.T) {
		p := newTestPool(testConfig())
		id, err := p.composeIdentity(models.EngineChatGPT, models.BrowserOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.Fingerprint == nil {
			t.Fatal("expected a generated fingerprint")
		}
		if id.Profile != nil {
			t.Error("expected no profile")
		}
		if id.Proxy != nil {
			t.Error("expected no proxy with proxying disabled")
		}
	})
}

func TestAcquireBrowser(t *testing.T) {
	t.Run("reuses a browser under its page cap", func(t *testing.T) {
		p := newTestPool(testConfig())

		b1, err := p.acquireBrowser(context.Background(), nil)
		if err != nil {
			t.Fatalf("first acquire: %v", err)
		}
		b2, err := p.acquireBrowser(context.Background(), nil)
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
		if b1.id != b2.id {
			t.Error("expected the same browser while under the page cap")
		}
		if b1.pages != 2 {
			t.Errorf("pages = %d, want 2", b1.pages)
		}
	})

	t.Run("launches a second browser when the first is full", func(t *testing.T) {
		p := newTestPool(testConfig())

		b1, _ := p.acquireBrowser(context.Background(), nil)
		p.acquireBrowser(context.Background(), nil)
		b3, err := p.acquireBrowser(context.Background(), nil)
		if err != nil {
			t.Fatalf("third acquire: %v", err)
		}
		if b3.id == b1.id {
			t.Error("expected a fresh browser once the first was full")
		}
		if got := p.Stats().Browsers; got != 2 {
			t.Errorf("browsers = %d, want 2", got)
		}
	})

	t.Run("waits at full capacity until the context expires", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxBrowsers = 1
		cfg.MaxPagesPerBrowser = 1
		p := newTestPool(cfg)

		if _, err := p.acquireBrowser(context.Background(), nil); err != nil {
			t.Fatalf("first acquire: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := p.acquireBrowser(ctx, nil)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	})

	t.Run("concurrent acquirers never exceed the browser cap", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxBrowsers = 2
		cfg.MaxPagesPerBrowser = 4
		p := newTestPool(cfg)
		p.launch = func(ctx context.Context, px *proxy.Proxy) (*rod.Browser, error) {
			// Slow launch widens the window between the cap check
			// and the insert.
			time.Sleep(50 * time.Millisecond)
			return rod.New(), nil
		}

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := p.acquireBrowser(context.Background(), nil); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("acquire: %v", err)
		}
		if got := p.Stats().Browsers; got > 2 {
			t.Errorf("browsers = %d, want <= 2", got)
		}
	})

	t.Run("failed launch releases its reservation", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxBrowsers = 1
		p := newTestPool(cfg)
		p.launch = func(ctx context.Context, px *proxy.Proxy) (*rod.Browser, error) {
			return nil, errors.New("chrome exploded")
		}
		if _, err := p.acquireBrowser(context.Background(), nil); err == nil {
			t.Fatal("expected the launch error")
		}

		p.launch = func(ctx context.Context, px *proxy.Proxy) (*rod.Browser, error) {
			return rod.New(), nil
		}
		if _, err := p.acquireBrowser(context.Background(), nil); err != nil {
			t.Fatalf("acquire after failed launch: %v", err)
		}
	})

	t.Run("proxy identity gets its own browser", func(t *testing.T) {
		p := newTestPool(testConfig())

		direct, _ := p.acquireBrowser(context.Background(), nil)
		proxied, err := p.acquireBrowser(context.Background(), &proxy.Proxy{
			Host: "gate.example.net", Port: 7777, Username: "u", Password: "p",
		})
		if err != nil {
			t.Fatalf("proxied acquire: %v", err)
		}
		if direct.id == proxied.id {
			t.Error("proxied session must not share a direct browser")
		}
	})
}

func TestReleasePageIdempotent(t *testing.T) {
	p := newTestPool(testConfig())

	failures := 0
	p.cb = Callbacks{OnFailure: func(models.Engine, Identity) { failures++ }}

	bi, _ := p.acquireBrowser(context.Background(), nil)
	pp := &PooledPage{
		SessionID: "sess-1",
		Engine:    models.EngineChatGPT,
		browserID: bi.id,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	p.mu.Lock()
	p.pages[pp.SessionID] = pp
	p.mu.Unlock()

	p.ReleasePage("sess-1", false)
	p.ReleasePage("sess-1", false)
	p.ReleasePage("never-existed", false)

	if failures != 1 {
		t.Errorf("failure callback ran %d times, want 1", failures)
	}
	if bi.pages != 0 {
		t.Errorf("browser pages = %d, want 0 after release", bi.pages)
	}
	if got := p.Stats().ActivePages; got != 0 {
		t.Errorf("active pages = %d, want 0", got)
	}
}

func TestGetPageAfterClose(t *testing.T) {
	p := newTestPool(testConfig())
	p.Close()

	_, err := p.acquireBrowser(context.Background(), nil)
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}

	// Closing twice is fine.
	p.Close()
}
