package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/vm-range-controller/internal/api"
	"github.com/csai/vm-range-controller/internal/auth"
	"github.com/csai/vm-range-controller/internal/config"
	"github.com/csai/vm-range-controller/internal/flagsvc"
	"github.com/csai/vm-range-controller/internal/hypervisor"
	"github.com/csai/vm-range-controller/internal/metrics"
	"github.com/csai/vm-range-controller/internal/netalloc"
	"github.com/csai/vm-range-controller/internal/observability"
	"github.com/csai/vm-range-controller/internal/scoring"
	"github.com/csai/vm-range-controller/internal/session"
	"github.com/csai/vm-range-controller/internal/store"
	"github.com/csai/vm-range-controller/internal/vpn"
)

// controller bundles everything a command needs after wiring. Commands share
// this so serve, sweep and labs import all see the same stack.
type controller struct {
	cfg    config.Config
	log    *slog.Logger
	st     *store.Store
	hv     *hypervisor.Adapter
	issuer *vpn.Issuer
	reg    *metrics.Registry
	mgr    *session.Manager
}

func loadConfigFromFlags(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func buildController(cmd *cobra.Command) (*controller, error) {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	st, err := store.Open(cfg.Storage.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	hv := hypervisor.New(cfg.Hypervisor, logger)
	alloc := netalloc.New(cfg.Network)
	injector := flagsvc.NewInjector(cfg.Injection, logger)
	issuer, err := vpn.NewIssuer(cfg.VPN, logger)
	if err != nil {
		return nil, fmt.Errorf("vpn issuer: %w", err)
	}
	hook := scoring.NewHook(cfg.Scoring)
	reg := metrics.New()

	mgr := session.NewManager(cfg, st, hv, alloc, injector, issuer, hook, reg, logger)
	if err := mgr.ReclaimAllocations(); err != nil {
		return nil, fmt.Errorf("reclaim allocations: %w", err)
	}

	return &controller{cfg: cfg, log: logger, st: st, hv: hv, issuer: issuer, reg: reg, mgr: mgr}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and cleanup loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := buildController(cmd)
			if err != nil {
				return err
			}
			return runServe(ctl)
		},
	}
}

func runServe(ctl *controller) error {
	cfg, logger := ctl.cfg, ctl.log

	apiServer := api.New(cfg, ctl.mgr, ctl.st, ctl.reg, logger)
	routes := apiServer.Routes()

	authState := auth.NewMiddlewareState(cfg.Auth.NonceTTLSeconds)
	protected := authState.Middleware(cfg.Auth, routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, ctl.reg).Middleware(protected)
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/api/v1/health") {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	root = observability.Middleware(logger, ctl.reg, root)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	sweeper := session.NewSweeper(cfg.Cleanup, ctl.mgr, ctl.issuer, logger)
	if err := sweeper.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("range_controller_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.String("network_mode", cfg.Network.Mode),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		sweeper.Stop()
		return err
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sweeper.Stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	logger.Info("range_controller_stopped")
	return nil
}
