package scheduler

import (
	"context"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Rechecker re-probes every known domain.
type Rechecker interface {
	RecheckAll(ctx context.Context) ([]models.DomainCheckResponse, error)
}

type Scheduler struct {
	rechecker Rechecker
	interval  time.Duration
	logger    *logrus.Logger
}

func New(r Rechecker, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{rechecker: r, interval: interval, logger: logger}
}

func (s *Scheduler) Enabled() bool {
	return s.interval > 0
}

// Run rechecks on every tick until ctx is done. A zero interval returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.Enabled() {
		s.logger.Debug("Periodic recheck disabled")
		return
	}

	s.logger.WithField("interval", utils.HumanizeDuration(s.interval)).Info("Periodic recheck started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Periodic recheck stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Warn("Periodic recheck failed")
			}
		}
	}
}

// RunOnce performs a single recheck and summarises it in the log.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	results, err := s.rechecker.RecheckAll(ctx)
	if err != nil {
		return err
	}

	levels := make(map[models.AlertLevel]int)
	for _, r := range results {
		levels[r.AlertLevel]++
	}
	fields := logrus.Fields{
		"count":    len(results),
		"duration": utils.HumanizeDuration(time.Since(start)),
	}
	for _, level := range models.AllAlertLevels() {
		if n := levels[level]; n > 0 {
			fields["alert_"+string(level)] = n
		}
	}
	s.logger.WithFields(fields).Info("Periodic recheck completed")
	return nil
}
