// Package main provides the entry point for the capture worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ellipsesearch/rpa/internal/browserpool"
	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/crypto"
	"github.com/ellipsesearch/rpa/internal/engine"
	"github.com/ellipsesearch/rpa/internal/fingerprint"
	"github.com/ellipsesearch/rpa/internal/logging"
	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/orchestrator"
	"github.com/ellipsesearch/rpa/internal/platform"
	"github.com/ellipsesearch/rpa/internal/profile"
	"github.com/ellipsesearch/rpa/internal/proxy"
	"github.com/ellipsesearch/rpa/internal/ratelimit"
	"github.com/ellipsesearch/rpa/internal/sessionstore"
	"github.com/ellipsesearch/rpa/internal/version"
	"github.com/ellipsesearch/rpa/internal/worker"
)

func main() {
	var (
		oneShotEngine = flag.String("engine", "", "run a single capture against this engine and exit")
		oneShotPrompt = flag.String("prompt", "", "prompt text for the one-shot capture")
		oneShotMode   = flag.String("mode", "hybrid", "execution mode for the one-shot capture (browser, api, hybrid)")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("rpa-worker", version.Get())
		return
	}

	if err := run(*oneShotEngine, *oneShotPrompt, *oneShotMode); err != nil {
		os.Exit(1)
	}
}

func run(oneShotEngine, oneShotPrompt, oneShotMode string) error {
	// Load configuration first (logging config comes from env)
	cfg := config.Load()

	// Initialize logger (respects LOG_LEVEL, LOG_FORMAT env vars)
	logger := logging.SetDefault()

	logger.Info("starting capture worker",
		"version", version.Get().Version,
		"browser", cfg.BrowserEnabled,
		"hybrid", cfg.HybridEnabled,
		"platform", cfg.PlatformURL,
	)

	if cfg.SelectorOverrides != "" {
		if err := engine.LoadTableOverrides(cfg.SelectorOverrides); err != nil {
			logger.Error("selector overrides rejected", "path", cfg.SelectorOverrides, "error", err)
			return err
		}
		logger.Info("selector overrides loaded", "path", cfg.SelectorOverrides)
	}

	// Root context, canceled by SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// Encryption for persisted profiles and sessions
	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(crypto.DeriveKeyFromSecret(cfg.EncryptionKey))
		if err != nil {
			logger.Error("encryption init failed", "error", err)
			return err
		}
		encryptor = enc
	} else {
		logger.Warn("PROFILE_ENCRYPTION_KEY not set, profiles and sessions stored in cleartext")
	}

	// Session store with periodic expiry cleanup
	sessions, err := sessionstore.New(cfg.SessionDBPath, encryptor, logger)
	if err != nil {
		logger.Error("session store init failed", "path", cfg.SessionDBPath, "error", err)
		return err
	}
	defer sessions.Close()
	go sessionCleanup(ctx, sessions, cfg, logger)

	// Identity managers
	gen := fingerprint.NewGenerator(time.Now().UnixNano())

	profiles, err := profile.NewManager(profile.Options{
		Dir:            cfg.ProfileDir,
		Target:         cfg.ProfileTarget,
		DailyCap:       cfg.ProfileDailyCap,
		MaxAge:         cfg.ProfileMaxAge,
		MaxWarnings:    cfg.ProfileMaxWarns,
		EngineCooldown: cfg.ProfileCooldown,
	}, gen, encryptor, logger)
	if err != nil {
		logger.Error("profile manager init failed", "dir", cfg.ProfileDir, "error", err)
		return err
	}

	proxies := proxy.NewManager(cfg)
	defer proxies.Close()

	limiter := ratelimit.New(cfg)
	defer limiter.Close()

	// Browser pool, feeding outcomes back to the identity managers
	pool := browserpool.New(cfg, profiles, proxies, sessions, browserpool.Callbacks{
		OnSuccess: func(e models.Engine, id browserpool.Identity, elapsed time.Duration) {
			if id.Proxy != nil {
				proxies.ReportSuccess(id.Proxy, elapsed)
			}
			if id.Profile != nil {
				profiles.ReportUse(id.Profile.ID, e)
			}
		},
		OnFailure: func(e models.Engine, id browserpool.Identity) {
			if id.Proxy != nil {
				proxies.ReportFailure(id.Proxy)
			}
		},
	}, logger)
	defer pool.Close()

	// API mode needs an injected simulator; without one, hybrid captures
	// settle on the browser side alone.
	var sim orchestrator.APISimulator
	logger.Info("api simulator not configured, browser captures only")

	orch := orchestrator.New(cfg, pool, limiter, sessions, sim, logger)

	if oneShotPrompt != "" || oneShotEngine != "" {
		return runOneShot(ctx, orch, oneShotEngine, oneShotPrompt, oneShotMode, logger)
	}

	// Queue-driven worker loop
	if cfg.WebhookSecret == "" {
		logger.Warn("RPA_WEBHOOK_SECRET not set, platform requests are unsigned")
	}
	workerID := worker.NewID()
	client := platform.New(cfg.PlatformURL, cfg.WebhookSecret, workerID, logger)
	w := worker.New(cfg, workerID, orch, client, logger)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited", "error", err)
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// runOneShot runs a single capture from the command line, bypassing the
// job queue, and prints the result as JSON.
func runOneShot(ctx context.Context, orch *orchestrator.Orchestrator, engineName, prompt, modeName string, logger *slog.Logger) error {
	if engineName == "" || prompt == "" {
		err := errors.New("one-shot mode needs both -engine and -prompt")
		logger.Error("invalid flags", "error", err)
		return err
	}
	eng, err := models.ParseEngine(engineName)
	if err != nil {
		logger.Error("invalid flags", "error", err)
		return err
	}
	mode := models.Mode(modeName)
	if !mode.Valid() {
		err := fmt.Errorf("unknown mode %q", modeName)
		logger.Error("invalid flags", "error", err)
		return err
	}

	res, err := orch.Run(ctx, &models.CaptureRequest{
		JobID:  "oneshot-" + ulid.Make().String(),
		Engine: eng,
		Prompt: prompt,
		Mode:   mode,
	})
	if err != nil {
		logger.Error("capture failed", "engine", eng, "error", err)
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !res.Outcome.OK() {
		return fmt.Errorf("capture finished with outcome %s", res.Outcome)
	}
	return nil
}

// sessionCleanup drops expired persisted sessions on an hourly cadence.
func sessionCleanup(ctx context.Context, store *sessionstore.Store, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		threshold := time.Now().Add(-cfg.SessionMaxAge)
		if n, err := store.CleanupOlderThan(ctx, threshold); err != nil {
			logger.Warn("session cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("expired sessions removed", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
