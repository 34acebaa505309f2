package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bl4ck0w1/certlynx/internal/batch"
	"github.com/bl4ck0w1/certlynx/internal/probe"
	"github.com/bl4ck0w1/certlynx/internal/storage"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrEmptyDomainList = errors.New("domain list must not be empty")
	ErrBlankDomain     = errors.New("domain list contains a blank entry")
	ErrInvalidDays     = errors.New("days must be zero or positive")
	ErrMonitorClosed   = errors.New("monitor is closed")
)

const (
	metricPersistedTotal = "checks_persisted_total"
	metricAlertLevels    = "domains_by_alert_level"
)

// Store is the persistence the monitor writes results to and reads reports from.
type Store interface {
	SaveCheck(ctx context.Context, info models.CertificateInfo) (*models.CertificateCheck, error)
	LatestChecksExpiringBefore(ctx context.Context, threshold time.Time) ([]models.CertificateCheck, error)
	History(ctx context.Context, domainName string, page, size int) (*storage.HistoryPage, error)
	ListDomains(ctx context.Context) ([]models.Domain, error)
}

type Option func(*Monitor)

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) { mon.now = now }
}

// Monitor checks domains through the coordinator and keeps the history.
type Monitor struct {
	coordinator *batch.Coordinator
	store       Store
	logger      *logrus.Logger
	metrics     *utils.MetricsCollector
	now         func() time.Time

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func NewMonitor(coordinator *batch.Coordinator, store Store, logger *logrus.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Monitor{
		coordinator: coordinator,
		store:       store,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.metrics != nil {
		if err := m.metrics.RegisterCounter(metricPersistedTotal, "Check results written to storage, by result.", "result"); err != nil {
			logger.Warnf("Failed to register %s: %v", metricPersistedTotal, err)
		}
		if err := m.metrics.RegisterGauge(metricAlertLevels, "Stored domains per alert level after the last full recheck.", "level"); err != nil {
			logger.Warnf("Failed to register %s: %v", metricAlertLevels, err)
		}
	}
	return m
}

// Check runs one batch in the given mode and stores every result when the
// monitor has a store.
func (m *Monitor) Check(ctx context.Context, domains []string, mode batch.Mode) ([]models.CertificateInfo, error) {
	if err := validateDomains(domains); err != nil {
		return nil, err
	}

	infos, err := m.coordinator.CheckAll(ctx, domains, mode)
	if err != nil {
		return nil, fmt.Errorf("check domains: %w", err)
	}
	m.persist(ctx, infos)
	return infos, nil
}

// CheckDomains probes the domains one after another and stores every result.
func (m *Monitor) CheckDomains(ctx context.Context, domains []string) ([]models.DomainCheckResponse, error) {
	infos, err := m.Check(ctx, domains, batch.Sequential)
	if err != nil {
		return nil, err
	}
	return models.ResponsesFromCertificateInfos(infos), nil
}

// CheckDomainsAsync starts a concurrent batch and returns immediately. The
// results are stored once the whole batch has finished.
func (m *Monitor) CheckDomainsAsync(ctx context.Context, domains []string) (*Job, error) {
	if err := validateDomains(domains); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMonitorClosed
	}
	m.pending.Add(1)
	m.mu.Unlock()

	pending, err := m.coordinator.Submit(ctx, domains, batch.Concurrent)
	if err != nil {
		m.pending.Done()
		return nil, fmt.Errorf("submit batch: %w", err)
	}

	job := newJob(uuid.NewString(), len(domains), m.now())
	m.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"count":  len(domains),
	}).Info("Asynchronous check submitted")

	go func() {
		defer m.pending.Done()
		<-pending.Done()
		infos, _ := pending.Wait(context.Background())
		// storage outlives the caller's context
		m.persist(context.WithoutCancel(ctx), infos)
		job.finish(models.ResponsesFromCertificateInfos(infos), m.now())
	}()
	return job, nil
}

// Close refuses new asynchronous checks and blocks until every submitted one
// has been stored. Call it before closing the store.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.pending.Wait()
}

// ExpiringSoon reports domains whose latest valid check expires within days.
func (m *Monitor) ExpiringSoon(ctx context.Context, days int) ([]models.DomainCheckResponse, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDays, days)
	}

	now := m.now()
	threshold := now.Add(time.Duration(days) * 24 * time.Hour)
	checks, err := m.store.LatestChecksExpiringBefore(ctx, threshold)
	if err != nil {
		return nil, err
	}

	out := make([]models.DomainCheckResponse, len(checks))
	for i, check := range checks {
		out[i] = models.ResponseFromCheck(check, now)
	}
	return out, nil
}

func (m *Monitor) History(ctx context.Context, domain string, page, size int) (*models.HistoryResponse, error) {
	name, err := probe.NormalizeDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidDomain, err)
	}

	hp, err := m.store.History(ctx, name, page, size)
	if err != nil {
		return nil, err
	}

	now := m.now()
	items := make([]models.DomainCheckResponse, len(hp.Items))
	for i, check := range hp.Items {
		items[i] = models.ResponseFromCheck(check, now)
	}
	return &models.HistoryResponse{
		Domain:     hp.Domain.DomainName,
		Items:      items,
		Page:       hp.Page,
		Size:       hp.Size,
		TotalItems: hp.TotalItems,
		TotalPages: hp.TotalPages,
	}, nil
}

// RecheckAll probes every stored domain concurrently and stores the results.
func (m *Monitor) RecheckAll(ctx context.Context) ([]models.DomainCheckResponse, error) {
	domains, err := m.store.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		m.logger.Debug("No stored domains to recheck")
		return []models.DomainCheckResponse{}, nil
	}

	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.DomainName
	}

	infos, err := m.coordinator.CheckAll(ctx, names, batch.Concurrent)
	if err != nil {
		return nil, fmt.Errorf("recheck domains: %w", err)
	}
	m.persist(ctx, infos)
	m.recordAlertLevels(infos)
	return models.ResponsesFromCertificateInfos(infos), nil
}

// persist stores each result. A failed write is logged and counted; it never
// removes the result from what the caller gets back.
func (m *Monitor) persist(ctx context.Context, infos []models.CertificateInfo) int {
	if m.store == nil {
		return 0
	}

	saved := 0
	for _, info := range infos {
		if _, err := m.store.SaveCheck(ctx, info); err != nil {
			m.logger.WithFields(logrus.Fields{
				"domain": info.Domain(),
				"error":  err,
			}).Warn("Failed to persist certificate check")
			m.countPersisted("error")
			continue
		}
		saved++
		m.countPersisted("ok")
	}
	return saved
}

func (m *Monitor) countPersisted(result string) {
	if m.metrics != nil {
		m.metrics.IncCounter(metricPersistedTotal, 1, prometheus.Labels{"result": result})
	}
}

func (m *Monitor) recordAlertLevels(infos []models.CertificateInfo) {
	if m.metrics == nil {
		return
	}
	counts := make(map[models.AlertLevel]int)
	for _, info := range infos {
		counts[info.AlertLevel()]++
	}
	for _, level := range models.AllAlertLevels() {
		m.metrics.SetGauge(metricAlertLevels, float64(counts[level]), prometheus.Labels{"level": string(level)})
	}
}

func validateDomains(domains []string) error {
	if len(domains) == 0 {
		return ErrEmptyDomainList
	}
	for i, d := range domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("%w at index %d", ErrBlankDomain, i)
		}
	}
	return nil
}
