// Package main is the entry point for the sync daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axonops/syncd/internal/auth"
	"github.com/axonops/syncd/internal/config"
	"github.com/axonops/syncd/internal/corectx"
	"github.com/axonops/syncd/internal/metrics"
	"github.com/axonops/syncd/internal/store"
	"github.com/axonops/syncd/internal/syncengine"
	"github.com/axonops/syncd/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("syncd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		slog.String("version", version),
		slog.String("listen_address", cfg.ListenAddress),
		slog.Int("peers", len(cfg.Peers)),
		slog.Int("repos", len(cfg.Repos)),
	)

	core := corectx.New()
	if err := registerAuthRules(core, cfg.Auth.Rules); err != nil {
		logger.Error("failed to register auth rules", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st := store.NewMemory("syncd", cfg.Sync.TTL())
	defer st.Close()

	rec := metrics.New()

	eng := syncengine.New(core, st, rec, syncengine.Options{
		ExpectedSyncCycles: cfg.Sync.ExpectedSyncCycles,
		LowAccuracy:        cfg.Sync.LowAccuracy,
		IncludeMissing:     cfg.Sync.IncludeMissing,
		BaseInterval:       cfg.Sync.BaseInterval(),
		MinInterval:        cfg.Sync.MinInterval(),
		MaxInterval:        cfg.Sync.MaxInterval(),
		CycleTimeout:       cfg.Sync.CycleTimeout(),
	}, logger)
	eng.OnError = func(kind syncengine.ErrorKind, condErr error) {
		logger.Warn("sync condition", slog.String("kind", string(kind)), slog.String("error", condErr.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	responderServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: transport.NewHandler(eng, nil),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("sync responder listening", slog.String("address", cfg.ListenAddress))
		if err := responderServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("sync responder failed", slog.String("error", err.Error()))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddress,
			Handler: rec.Handler(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("metrics listening", slog.String("address", cfg.Metrics.ListenAddress))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	client := &http.Client{Timeout: cfg.Sync.CycleTimeout()}
	for _, peer := range cfg.Peers {
		wg.Add(1)
		go runPeerLoop(ctx, &wg, eng, client, peer, cfg.Repos, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := responderServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("responder shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

// runPeerLoop drives repeated cycles against one configured peer, pacing
// itself by the interval the engine computes after each cycle (SPEC_FULL.md
// §4.4 cycle pacing).
func runPeerLoop(ctx context.Context, wg *sync.WaitGroup, eng *syncengine.Engine, client *http.Client, peer config.PeerConfig, repos []string, logger *slog.Logger) {
	defer wg.Done()

	// The daemon always syncs as root: it's a single trusted principal
	// replicating the whole store to a peer, not a per-user client acting
	// on a human's behalf, so there's no narrower owner to present here.
	session := auth.Session{Owner: "root", ID: auth.NewSessionID("root")}

	for {
		// Each repo against this peer gets its own HTTP exchange (and its
		// own Sender/Receiver pair — NewHTTPPeer is single-flight); fan them
		// out bounded so a peer carrying many repos doesn't open an
		// unbounded burst of connections in one round.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(repoFanoutLimit)
		for _, repo := range repos {
			repo := repo
			g.Go(func() error {
				send, recv := transport.NewHTTPPeer(client, peer.URL)
				result, err := eng.RunCycle(gctx, peer.Name, repo, session, send, recv)
				if err != nil {
					logger.Warn("sync cycle failed", slog.String("peer", peer.Name), slog.String("repo", repo), slog.String("error", err.Error()))
					return nil // a failed repo cycle doesn't cancel its siblings
				}
				logger.Debug("sync cycle complete",
					slog.String("peer", peer.Name),
					slog.String("repo", repo),
					slog.String("outcome", string(result.Outcome)),
					slog.Int("sent", result.Sent),
					slog.Int("received", result.Received),
				)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return
		}

		interval := eng.PeerInterval(peer.Name)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// repoFanoutLimit bounds how many repos sync concurrently against a single
// peer in one round.
const repoFanoutLimit = 4

// registerAuthRules wires each configured rule to one of two stock
// policies (RuleSpec.Policy): "open" lets anyone read and restricts writes
// to root, "private" restricts both to root. Conflicts (duplicate or
// reserved /sys/** paths) are fatal at startup (§7 RuleRegistrationConflict).
func registerAuthRules(core *corectx.Context, rules []config.RuleSpec) error {
	for _, r := range rules {
		policy := r.Policy
		if policy == "" {
			policy = "open"
		}

		var rule auth.Rule
		switch policy {
		case "private":
			rule = func(db any, repoPath, itemKey string, session auth.Session, op auth.Op) bool {
				return session.IsRoot()
			}
		default:
			rule = func(db any, repoPath, itemKey string, session auth.Session, op auth.Op) bool {
				if op == auth.OpRead {
					return true
				}
				return session.IsRoot()
			}
		}

		if err := core.Auth.RegisterRule(r.Path, r.Mode == "regex", rule); err != nil {
			return fmt.Errorf("registering auth rule %q: %w", r.Path, err)
		}
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
