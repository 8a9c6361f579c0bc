package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newKeepAliveCmd(opts *rootOptions) *cobra.Command {
	var (
		interval time.Duration
		jitter   float64
		once     bool
	)
	cmd := &cobra.Command{
		Use:   "keep-alive",
		Short: "Periodically exercise the external session so it does not go idle",
		Long: `Periodically reload the storage-state file and call the gateway with it.

The browser process that owns the session is expected to refresh the
storage-state file; this loop keeps the credential in use and reports when it
stops working.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.KeepAlive.Interval
			}
			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rootCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			refreshes := 0
			run := func() error {
				refreshes++
				if a.session.Status().Path != "" {
					if err := a.session.Load(); err != nil {
						logger.Warn("storage state reload failed", "refresh", refreshes, "error", err)
					}
				}
				ctx, cancel := context.WithTimeout(rootCtx, cfg.Gateway.Timeout)
				defer cancel()
				if err := a.service.CheckAuth(ctx); err != nil {
					logger.Error("keep-alive refresh failed", "refresh", refreshes, "error", err)
					return err
				}
				logger.Info("keep-alive refresh succeeded", "refresh", refreshes)
				return nil
			}

			if err := run(); once {
				return err
			}

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			timer := time.NewTimer(jitteredInterval(interval, jitter, rng.Float64()))
			defer timer.Stop()
			for {
				select {
				case <-rootCtx.Done():
					logger.Info("keep-alive stopping", "refreshes", refreshes)
					return nil
				case <-timer.C:
					_ = run()
					timer.Reset(jitteredInterval(interval, jitter, rng.Float64()))
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "refresh interval (default keepalive.interval)")
	cmd.Flags().Float64Var(&jitter, "jitter", 0.2, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().BoolVar(&once, "once", false, "run one refresh and exit with its result")
	return cmd
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredInterval spreads base by up to ±ratio using sample in [0,1].
func jitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	sample = clampJitterRatio(sample)
	delay := time.Duration(float64(base) * (1 + (sample*2-1)*ratio))
	if delay < time.Second {
		return time.Second
	}
	return delay
}
