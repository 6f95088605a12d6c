package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	ysync "github.com/shinyes/yep_sync/pkg/sync"
)

type watchOptions struct {
	Target      string
	Config      string
	Pull        string
	MetricsAddr string
	Timeout     time.Duration
	Interval    time.Duration
}

func newWatchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the reconnect orchestrator against a reachable endpoint",
		Long: `Dial a TCP endpoint and run a sync pass whenever it becomes reachable.

Each pass applies the envelopes found in --pull, standing in for a server
pull. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Target, "target", "127.0.0.1:8080", "host:port whose reachability means online")
	cmd.Flags().StringVar(&opts.Config, "config", "", "orchestrator YAML config (debounce_ms, throttle_ms, auto_attach)")
	cmd.Flags().StringVar(&opts.Pull, "pull", "", "envelopes file applied on every sync pass")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 60*time.Second, "upper bound for one sync pass")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 5*time.Second, "dial interval")
	return cmd
}

func runWatch(cmd *cobra.Command, rootOpts *rootOptions, opts *watchOptions) error {
	logger := rootOpts.logger(cmd.ErrOrStderr())

	cfg := ysync.DefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = ysync.LoadConfig(opts.Config); err != nil {
			return err
		}
	}

	r, err := rootOpts.openReplica(logger)
	if err != nil {
		return err
	}
	defer r.Close()

	reg := prometheus.NewRegistry()
	if err := r.metrics.Register(reg); err != nil {
		return err
	}
	metricsHooks, err := ysync.MetricsHooks(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	src := ysync.NewDialSource(opts.Target,
		ysync.WithDialInterval(opts.Interval),
		ysync.WithDialLogger(logger),
	)
	orch, err := ysync.New(src, ysync.WithConfig(cfg), ysync.WithLogger(logger))
	if err != nil {
		return err
	}
	defer orch.Destroy()

	pass := func(ctx context.Context) error {
		if opts.Pull == "" {
			return nil
		}
		envs, err := readEnvelopeFile(opts.Pull)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		return r.applier.ReceiveBatch(ctx, envs)
	}
	hooks := ysync.ChainHooks(ysync.LoggingHooks(logger), metricsHooks)
	if err := orch.Init(ysync.WithTimeout(pass, opts.Timeout), hooks); err != nil {
		return err
	}
	if !cfg.AutoAttach {
		if err := orch.Attach(); err != nil {
			return err
		}
	}

	if err := src.Start(ctx); err != nil {
		return err
	}
	defer src.Stop()

	logger.Info("watching", "target", opts.Target, "debounce", cfg.Debounce, "throttle", cfg.Throttle)
	<-ctx.Done()
	return nil
}
