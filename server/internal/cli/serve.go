package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/meartlab/meart/server/internal/admission"
	"github.com/meartlab/meart/server/internal/api"
	"github.com/meartlab/meart/server/internal/catalog"
	"github.com/meartlab/meart/server/internal/config"
	"github.com/meartlab/meart/server/internal/grpchealth"
	"github.com/meartlab/meart/server/internal/metrics"
	"github.com/meartlab/meart/server/internal/processor"
	"github.com/meartlab/meart/server/internal/readiness"
	"github.com/meartlab/meart/server/internal/ws"
)

func buildServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the meart API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(os.Stdout, cfg.LogLevel))
			slog.Info("meart-server starting", "version", Version, "config", *configFile)
			slog.Info("config loaded",
				"http_port", cfg.Server.HTTPPort,
				"grpc_port", cfg.Server.GRPCPort,
				"concurrency_limit", cfg.Admission.ConcurrencyLimit,
				"max_pending", cfg.Admission.MaxPending,
				"job_timeout", cfg.Admission.JobTimeout,
				"max_body_size", cfg.Server.MaxBodySize.String(),
				"catalog_dir", cfg.Catalog.Dir,
				"fuzzy", cfg.Catalog.FuzzyEnabled(),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.HTTPPort))
			if err != nil {
				return fmt.Errorf("serve: listen http: %w", err)
			}
			var grpcLis net.Listener
			if cfg.Server.GRPCPort != 0 {
				grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
				if err != nil {
					httpLis.Close()
					return fmt.Errorf("serve: listen grpc: %w", err)
				}
			}
			a, err := newApp(cfg)
			if err != nil {
				httpLis.Close()
				if grpcLis != nil {
					grpcLis.Close()
				}
				return err
			}
			return a.run(ctx, httpLis, grpcLis)
		},
	}
}

// app holds the wired components of one server process.
type app struct {
	cfg     *config.Config
	metrics *metrics.Collector
	catalog *catalog.Catalog
	queue   *admission.Queue
	gate    *readiness.Gate
	handler *api.Handler
	hub     *ws.Hub
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewCollector()}

	a.catalog = catalog.New(catalog.Options{
		Dir:        cfg.Catalog.Dir,
		Extensions: cfg.Catalog.Extensions,
		Fuzzy:      cfg.Catalog.FuzzyEnabled(),
		CacheTTL:   cfg.Catalog.CacheTTL,
		MinRescan:  cfg.Catalog.MinRescan,
		Observer:   a.metrics,
	})
	a.queue = admission.New(admission.Options{
		Concurrency: cfg.Admission.ConcurrencyLimit,
		MaxPending:  cfg.Admission.MaxPending,
		JobTimeout:  cfg.Admission.JobTimeout,
		QueueWait:   cfg.Admission.QueueWait,
		Observer:    a.metrics,
	})
	checks, err := a.checks()
	if err != nil {
		return nil, fmt.Errorf("serve: %w", err)
	}
	a.gate = readiness.New(readiness.Options{
		BootDelay:    cfg.Readiness.BootDelay,
		CheckTimeout: cfg.Readiness.CheckTimeout,
		Checks:       checks,
		Exemptions:   readiness.DefaultExemptions(cfg.Catalog.Prefix, cfg.Static.Prefix),
		Observer:     a.metrics,
	})
	a.handler = api.New(api.Options{
		Gate:         a.gate,
		Queue:        a.queue,
		Catalog:      a.catalog,
		Processor:    processor.New(cfg.Processors),
		Metrics:      a.metrics,
		Env:          cfg.Env,
		Version:      Version,
		AI:           cfg.AI,
		AssetPrefix:  cfg.Catalog.Prefix,
		StaticPrefix: cfg.Static.Prefix,
		StaticDir:    cfg.Static.Dir,
		Fuzzy:        cfg.Catalog.FuzzyEnabled(),
		MaxBodySize:  int64(cfg.Server.MaxBodySize),
		RetryAfter:   cfg.Admission.RetryAfter,
	})
	a.hub = ws.New(a.handler.Status, cfg.Status.StreamInterval)
	a.handler.Mount("/metrics", a.metrics.Handler())
	a.handler.Mount("/ws/status", a.hub)
	return a, nil
}

// checks returns the configured dependency checks plus the catalog warm-up.
func (a *app) checks() ([]readiness.Check, error) {
	checks, err := readiness.ChecksFromConfig(a.cfg.Readiness.Dependencies, &http.Client{})
	if err != nil {
		return nil, err
	}
	checks = append(checks, readiness.Func("catalog", func(ctx context.Context) error {
		n := a.catalog.Warm()
		if n == 0 {
			slog.Warn("catalog: no assets indexed", "dir", a.cfg.Catalog.Dir)
		} else {
			slog.Info("catalog: warmed", "dir", a.cfg.Catalog.Dir, "entries", n)
		}
		return ctx.Err()
	}))
	return checks, nil
}

// run serves on the given listeners until ctx is cancelled or initialization
// fails. grpcLis may be nil.
func (a *app) run(parent context.Context, httpLis, grpcLis net.Listener) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go a.catalog.Cache().Run(ctx)
	if a.cfg.Catalog.WatchEnabled() {
		go func() {
			if err := catalog.Watch(ctx, a.catalog); err != nil {
				slog.Warn("catalog: watch disabled", "dir", a.cfg.Catalog.Dir, "err", err)
			}
		}()
	}
	go a.hub.Run(ctx)

	httpSrv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	var grpcSrv *grpc.Server
	if grpcLis != nil {
		grpcSrv = grpc.NewServer()
		hs := grpchealth.New(a.gate)
		hs.Register(grpcSrv)
		go hs.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			slog.Info("gRPC health listening", "addr", grpcLis.Addr().String())
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("meart-server shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer scancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return httpSrv.Shutdown(sctx)
	})

	initErr := a.gate.Initialize(gctx)
	if initErr != nil && parent.Err() == nil {
		cancel()
	}
	waitErr := g.Wait()

	switch {
	case waitErr != nil:
		return waitErr
	case initErr != nil && parent.Err() == nil:
		return fmt.Errorf("serve: %w", initErr)
	}
	return nil
}
