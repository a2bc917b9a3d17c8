package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/relaymux/acctproxy/internal/account"
	"github.com/relaymux/acctproxy/internal/config"
	"github.com/relaymux/acctproxy/internal/credentials"
	"github.com/relaymux/acctproxy/internal/dispatch"
	"github.com/relaymux/acctproxy/internal/httpglue"
	"github.com/relaymux/acctproxy/internal/oauth"
	"github.com/relaymux/acctproxy/internal/pool"
	"github.com/relaymux/acctproxy/internal/refresh"
	"github.com/relaymux/acctproxy/internal/transport"
	"github.com/relaymux/acctproxy/internal/upstream"
	"github.com/relaymux/acctproxy/internal/watcher"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("acctproxy starting", "version", version)

	accounts, _, err := credentials.Load(cfg.AccountsPath)
	if err != nil {
		slog.Error("loading credentials document", "path", cfg.AccountsPath, "error", err)
		os.Exit(1)
	}
	if !cfg.RotationEnabled && len(accounts) > 1 {
		slog.Info("rotation disabled, restricting to first account", "account", accounts[0].Name)
		accounts = accounts[:1]
	}

	p := pool.New(accounts, pool.WithMinimumCooldown(time.Duration(cfg.MinimumCooldownSeconds)*time.Second))

	tm := transport.NewManager(transport.WithRequestTimeout(cfg.UpstreamTotalTimeout))
	defer tm.Close()

	caller := upstream.New(tm)
	d := dispatch.New(p, caller,
		dispatch.WithMaxAttempts(cfg.MaxAttempts),
		dispatch.WithTotalTimeout(cfg.UpstreamTotalTimeout),
		dispatch.WithIdleTimeout(cfg.UpstreamIdleTimeout),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go tm.RunCleanup(ctx)

	refresher := oauth.NewRefresher(tm.Client(cfg.TokenEndpointURL), cfg.TokenEndpointURL, cfg.OAuthClientID)

	var w *watcher.Watcher
	schedOpts := []refresh.Option{
		refresh.WithRefreshBuffer(time.Duration(cfg.RefreshBufferSeconds) * time.Second),
	}

	if cfg.HotReload {
		w, err = watcher.New(cfg.AccountsPath)
		if err != nil {
			slog.Error("starting credentials watcher", "error", err)
			os.Exit(1)
		}
		defer w.Close()
		schedOpts = append(schedOpts, refresh.WithSelfWriteMarker(w.ExpectWrite))
	}

	sched := refresh.New(p, refresher, cfg.AccountsPath, schedOpts...)
	go sched.Run(ctx)

	if w != nil {
		go runWatchLoop(ctx, w, p)
	}

	mux := httpglue.New(d, p, func(*http.Request) string { return cfg.UpstreamAPIURL })

	srv := &http.Server{
		Addr:    cfg.Host + ":" + portString(cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runWatchLoop applies every external credentials-document change the
// watcher reports to the pool, until ctx is canceled.
func runWatchLoop(ctx context.Context, w *watcher.Watcher, p *pool.Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			accounts, raw, err := credentials.Load(ev.Path)
			if err != nil {
				slog.Warn("external credentials edit rejected", "error", err)
				continue
			}
			result := p.ApplyReload(account.NewSet(accounts))
			slog.Info("applied external credentials edit",
				"accounts", len(accounts), "added", len(result.Added), "removed", len(result.Removed),
				"hash", credentials.Hash(raw))
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			slog.Warn("credentials watcher error", "error", err)
		}
	}
}

func portString(p int) string {
	if p <= 0 {
		p = 8080
	}
	return strconv.Itoa(p)
}
