package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/delegation"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/health"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/tool"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool host",
		Long: `Serve the tool routes, health probes and, with the prometheus exporter,
/metrics. The issuer key set and, when delegation is configured, the agent
credential are kept fresh in the background.`,
		PreRunE: a.loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "address to listen on (overrides server.addr)")
	bindFlag(a.v, serverAddrKey, cmd.Flags().Lookup("addr"))
	return cmd
}

// server holds the wired components of a running tool host.
type server struct {
	observer observe.Observer
	ring     *auth.KeyRing
	client   *delegation.Client
	handler  http.Handler
}

func (a *app) newServer(ctx context.Context) (*server, error) {
	cfg := a.cfg
	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	t := obs.Telemetry()

	ring, err := auth.NewKeyRing(cfg.KeyRingConfig(t))
	if err != nil {
		return nil, err
	}
	validator := auth.NewValidator(ring, cfg.ValidatorConfig(t))

	host, err := tool.NewHost(tool.HostConfig{
		Guard:     auth.NewGuard(validator, cfg.GuardConfig(t)),
		Telemetry: t,
	})
	if err != nil {
		return nil, err
	}
	if p := cfg.Server.IntrospectionPermission; p != "" {
		if err := host.Register(tool.Introspection(p)); err != nil {
			return nil, err
		}
	}

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register(health.NewKeyRingChecker(ring))

	s := &server{observer: obs, ring: ring}
	if cfg.DelegationEnabled() {
		dc, err := cfg.DelegationConfig(t)
		if err != nil {
			return nil, err
		}
		s.client, err = delegation.NewClient(dc)
		if err != nil {
			return nil, err
		}
		agg.Register(health.NewCredentialChecker(s.client))
	}

	mux := http.NewServeMux()
	health.RegisterHandlers(mux, agg)
	tools := host.Handler()
	mux.Handle("/tools", tools)
	mux.Handle("/tools/", tools)
	if h := obs.MetricsHandler(); h != nil {
		mux.Handle("GET /metrics", h)
	}
	s.handler = mux
	return s, nil
}

func (a *app) serve(ctx context.Context) error {
	s, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	logger := s.observer.Logger()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(s.ring.Run(gctx)) })
	if s.client != nil {
		g.Go(func() error { return ignoreCanceled(s.client.Run(gctx)) })
	}
	g.Go(func() error {
		logger.Info(gctx, "tool host listening", observe.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		errs = append(errs, srv.Shutdown(shutdownCtx))
		if s.client != nil {
			errs = append(errs, s.client.Close())
		}
		errs = append(errs, s.observer.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
