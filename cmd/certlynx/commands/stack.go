package commands

import (
	"errors"
	"fmt"

	"github.com/bl4ck0w1/certlynx/internal/batch"
	"github.com/bl4ck0w1/certlynx/internal/probe"
	"github.com/bl4ck0w1/certlynx/internal/service"
	"github.com/bl4ck0w1/certlynx/internal/storage"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// stack is the set of long-lived components a command works with.
type stack struct {
	config      *models.Config
	logger      *logrus.Logger
	metrics     *utils.MetricsCollector
	prober      *probe.Prober
	coordinator *batch.Coordinator
	db          *gorm.DB
	repo        *storage.Repository
	monitor     *service.Monitor
}

type stackOptions struct {
	withStorage bool
}

func loadConfig() (*models.Config, error) {
	cfg := models.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildStack(cfg *models.Config, opts stackOptions) (*stack, error) {
	s := &stack{
		config: cfg,
		logger: logrus.StandardLogger(),
	}
	if cfg.Metrics.Enabled {
		s.metrics = utils.NewMetricsCollector(cfg.Metrics.RuntimeMetrics)
	}

	s.prober = probe.NewProber(probe.ConfigFromSettings(cfg.Probe), s.logger, probe.WithMetrics(s.metrics))

	coord, err := batch.NewCoordinator(s.prober, batch.ConfigFromSettings(cfg.Batch), s.logger)
	if err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	if s.metrics != nil {
		coord.SetMetrics(s.metrics)
	}
	s.coordinator = coord

	var store service.Store
	if opts.withStorage {
		db, err := storage.Open(cfg.Storage, s.logger)
		if err != nil {
			_ = coord.Close()
			return nil, err
		}
		s.db = db
		s.repo = storage.NewRepository(db, s.logger)
		store = s.repo
	}

	s.monitor = service.NewMonitor(coord, store, s.logger, service.WithMetrics(s.metrics))
	return s, nil
}

func (s *stack) Close() error {
	var errs []error
	s.monitor.Close()
	if err := s.coordinator.Close(); err != nil && !errors.Is(err, batch.ErrCoordinatorClosed) {
		errs = append(errs, err)
	}
	if s.db != nil {
		if err := storage.Close(s.db); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
