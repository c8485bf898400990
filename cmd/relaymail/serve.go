package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaymail/internal/config"
	"github.com/agentworkforce/relaymail/internal/deltasync"
	"github.com/agentworkforce/relaymail/internal/httpapi"
	"github.com/agentworkforce/relaymail/internal/maildb"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the sync loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	server := httpapi.NewServerWithConfig(httpapi.Deps{
		Service:     a.service,
		Coordinator: a.coordinator,
		Bus:         a.bus,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}, httpapi.ServerConfig{
		JWTSecret:       a.cfg.HTTP.JWTSecret,
		RateLimitMax:    a.cfg.HTTP.RateLimitMax,
		RateLimitWindow: a.cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    a.cfg.HTTP.MaxBodyBytes,
	})
	httpServer := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if strings.TrimSpace(a.cfg.HTTP.JWTSecret) == "" {
		a.logger.Warn("http.jwt_secret is not set, accepting tokens signed with the development secret")
	}

	accounts := &atomic.Pointer[[]maildb.AccountKey]{}
	configured := a.cfg.Sync.AccountKeys()
	accounts.Store(&configured)

	errc := make(chan error, 2)
	go func() {
		a.logger.Info("relaymail listening", "addr", a.cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if strings.TrimSpace(a.cfg.Sync.ProviderURL) != "" {
		syncer, err := a.newSyncer()
		if err != nil {
			return err
		}
		go func() {
			errc <- syncer.Run(ctx, func() []maildb.AccountKey {
				return syncAccounts(*accounts.Load(), a.service.AccountKeys())
			})
		}()
	} else {
		a.logger.Info("sync.provider_url is not set, accepting patches over HTTP only")
	}

	if a.cfg.File != "" {
		go func() {
			err := config.Watch(ctx, a.cfg.File, a.logger, func(next config.Config) {
				if level, err := config.ParseLevel(next.Log.Level); err == nil {
					a.level.Set(level)
				}
				keys := next.Sync.AccountKeys()
				accounts.Store(&keys)
			})
			if err != nil {
				a.logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	return runErr
}

func (a *app) newSyncer() (*deltasync.Syncer, error) {
	client := deltasync.NewHTTPProviderClient(a.cfg.Sync.ProviderURL, a.cfg.Sync.ProviderToken, &http.Client{Timeout: 30 * time.Second})
	limit := a.cfg.Sync.RetriesLimit
	if limit == 0 {
		limit = -1
	}
	return deltasync.NewSyncer(deltasync.SyncerOptions{
		Client: client,
		Sink:   a.service,
		Policy: deltasync.RetryPolicy{
			Limit:     limit,
			BaseDelay: a.cfg.Sync.RetriesDelay,
			MaxDelay:  a.cfg.Sync.RetriesMaxDelay,
		},
		Metrics:        a.metrics,
		Logger:         a.logger,
		Interval:       a.cfg.Sync.Interval,
		IntervalJitter: a.cfg.Sync.IntervalJitter,
	})
}

// syncAccounts merges the configured accounts with the stored ones. A
// configured entry wins over a stored one of the same login.
func syncAccounts(configured, stored []maildb.AccountKey) []maildb.AccountKey {
	out := make([]maildb.AccountKey, 0, len(configured)+len(stored))
	seen := map[string]bool{}
	for _, list := range [][]maildb.AccountKey{configured, stored} {
		for _, key := range list {
			if key.Login == "" || seen[key.Login] {
				continue
			}
			seen[key.Login] = true
			out = append(out, key)
		}
	}
	return out
}
