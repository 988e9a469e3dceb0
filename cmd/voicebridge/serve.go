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

	"github.com/spf13/cobra"

	"github.com/vango-go/voicebridge/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voicebridge/pkg/gateway/server"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	// httpClient is used by detect to reach a running bridge.
	httpClient *http.Client
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
		httpClient: http.DefaultClient,
	}
}

type overrides struct {
	addr         string
	sessionsRoot string
}

func (o overrides) apply(cfg *config.Config) {
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.sessionsRoot != "" {
		cfg.SessionsRoot = o.sessionsRoot
	}
}

func loadConfig(deps serveDeps, o overrides) (config.Config, error) {
	if deps.loadConfig == nil {
		return config.Config{}, errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	return cfg, nil
}

func newServeCmd(deps serveDeps) *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge HTTP and voice server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(deps, o)
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			slog.SetDefault(logger)
			return runServe(cmd.Context(), cfg, logger, deps)
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "", "listen address (overrides BRIDGE_ADDR)")
	cmd.Flags().StringVar(&o.sessionsRoot, "sessions-root", "", "agent session log directory (overrides BRIDGE_SESSIONS_ROOT)")
	return cmd
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps serveDeps) error {
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gw := deps.newGateway(cfg, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting bridge",
		"addr", cfg.Addr,
		"auth", cfg.APIKey != "",
		"cwd", cfg.WorkingDirectory,
		"model", cfg.AgentModel,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "reason", ctx.Err())
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.NotifyVoiceSessions()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitVoiceSessions(waitCtx) {
		gw.CancelVoiceSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}
