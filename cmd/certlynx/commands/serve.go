package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bl4ck0w1/certlynx/internal/api"
	"github.com/bl4ck0w1/certlynx/internal/scheduler"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the certificate monitoring HTTP API",
		Long: `Start the HTTP API under /api/v1/domains, store every check in the configured
database and, when scheduler.interval is set, recheck all stored domains periodically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().String("listen", "", "Listen address (overrides api.listen)")
	cmd.Flags().Duration("interval", 0, "Recheck interval, 0 disables (overrides scheduler.interval)")
	cmd.Flags().String("metrics-listen", "", "Separate listen address for /metrics (overrides metrics.listen)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.API.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("interval") {
		cfg.Scheduler.Interval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen, _ = flags.GetString("metrics-listen")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := buildStack(cfg, stackOptions{withStorage: true})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to release resources")
		}
	}()

	server, err := api.NewServer(cfg.API, st.monitor, st.logger, st.metrics)
	if err != nil {
		return err
	}

	ctx, stop := withSignals(cmd.Context())
	defer stop()

	st.logger.WithFields(logrus.Fields{
		"version":  version,
		"listen":   cfg.API.Listen,
		"storage":  cfg.Storage.Driver,
		"interval": cfg.Scheduler.Interval.String(),
	}).Info("CertLynx starting")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Listen(cfg.API.Listen); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		st.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		rotateLogsOnHangup(gctx, hup, utils.RotateInstalled, st.logger)
		return nil
	})

	g.Go(func() error {
		scheduler.New(st.monitor, cfg.Scheduler.Interval, st.logger).Run(gctx)
		return nil
	})

	if st.metrics != nil && cfg.Metrics.Listen != "" {
		g.Go(func() error {
			st.logger.WithField("addr", cfg.Metrics.Listen).Info("Metrics listener started")
			return st.metrics.StartServerWithContext(gctx, cfg.Metrics.Listen)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st.logger.Info("CertLynx stopped")
	return nil
}

// rotateLogsOnHangup reopens the log file on every SIGHUP until ctx is done.
func rotateLogsOnHangup(ctx context.Context, hup <-chan os.Signal, rotate func() error, logger logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := rotate(); err != nil {
				logger.WithError(err).Warn("Failed to rotate log file")
				continue
			}
			logger.Info("Log file rotated")
		}
	}
}
