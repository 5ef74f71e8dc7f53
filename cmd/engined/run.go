package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"trustgraph/notifyd/internal/auth"
	"trustgraph/notifyd/internal/config"
	"trustgraph/notifyd/internal/engine"
	"trustgraph/notifyd/internal/httpapi"
	"trustgraph/notifyd/internal/logging"
	"trustgraph/notifyd/internal/metrics"
	"trustgraph/notifyd/internal/model"
	"trustgraph/notifyd/internal/producer"
	"trustgraph/notifyd/internal/repository"
	"trustgraph/notifyd/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the notification engine, its websocket transport, and its operational HTTP endpoints",
	RunE:  runEngine,
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()
	logging.ReplaceGlobals(log)

	repo, err := repository.Open(cfg.SQLiteDSN)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	ctx := cmd.Context()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate repository: %w", err)
	}

	store := producer.NewStore()
	wst := transport.NewWSTransport(log)

	core := engine.New(repo, store, wst, log, engine.Config{
		ProcessDelay:            cfg.ProcessDelay,
		DisconnectAfterFailures: uint8(cfg.DisconnectAfterFailures),
		SnapshotPageSize:        cfg.SnapshotPageSize,
	})
	store.SetSink(engine.ChangeSink{Core: core})

	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)
	core.SetHooks(collectors.EngineHooks())

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var verifier *auth.HMACTokenVerifier
	if cfg.AuthSecret != "" {
		verifier, err = auth.NewHMACTokenVerifier(cfg.AuthSecret, cfg.AuthTokenLeeway)
		if err != nil {
			return fmt.Errorf("init token verifier: %w", err)
		}
	}
	rateLimiter := httpapi.NewPerKeyLimiter(cfg.SubscribeRateWindow, cfg.SubscribeRateLimit, time.Now)

	transportSrv := &http.Server{
		Addr:    cfg.TransportAddr,
		Handler: subscriptionHandler(core, wst, verifier, rateLimiter),
	}
	opsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: httpapi.NewMux(core, reg),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("transport listening", logging.String("addr", cfg.TransportAddr))
		if err := transportSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("transport server: %w", err)
		}
	}()
	go func() {
		log.Info("operational endpoints listening", logging.String("addr", cfg.MetricsAddr))
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error, shutting down", logging.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = transportSrv.Shutdown(shutdownCtx)
	_ = opsSrv.Shutdown(shutdownCtx)
	if err := core.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// subscriptionHandler upgrades incoming connections and wires their
// subscribe/unsubscribe requests into the engine. The wire protocol for
// subscription management (as opposed to notification delivery, which
// wst itself owns) is intentionally minimal: a client connects, and the
// query string names the stream types to subscribe to immediately.
//
// When verifier is non-nil, the upgrade requires a valid bearer token
// whose subject matches the requested client_id. limiter bounds how
// often a single transport id may attempt to (re)connect.
func subscriptionHandler(core *engine.Core, wst *transport.WSTransport, verifier *auth.HMACTokenVerifier, limiter *httpapi.PerKeyLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transportID := r.URL.Query().Get("client_id")
		if transportID == "" {
			http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
			return
		}

		if verifier != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			if claims.Subject != transportID {
				http.Error(w, "token subject does not match client_id", http.StatusForbidden)
				return
			}
		}

		if !limiter.Allow(transportID) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		if err := wst.Upgrade(w, r, transportID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		for _, raw := range r.URL.Query()["stream"] {
			st, ok := model.ParseStreamType(raw)
			if !ok {
				continue
			}
			if _, err := core.Subscribe(r.Context(), transportID, st); err != nil {
				logging.L().Warn("subscribe failed", logging.String("transport_id", transportID), logging.Error(err))
			}
		}
	})
}
