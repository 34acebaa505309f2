package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bl4ck0w1/certlynx/internal/batch"
	"github.com/bl4ck0w1/certlynx/internal/storage"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

// tableProber expires each domain after the days listed for it; unlisted
// domains fail to resolve.
type tableProber map[string]int

func (tp tableProber) Probe(_ context.Context, domain string) models.CertificateInfo {
	days, ok := tp[domain]
	if !ok {
		return models.NewFailedCertificate(domain, models.FailureResolution, "lookup "+domain+": no such host", fixedNow)
	}
	return models.NewValidCertificate(domain, models.CertificateDetails{
		NotAfter: fixedNow.Add(time.Duration(days) * 24 * time.Hour),
		Issuer:   "CN=Test CA",
		Subject:  "CN=" + domain,
	}, fixedNow)
}

type failingStore struct {
	*storage.Repository
}

func (failingStore) SaveCheck(context.Context, models.CertificateInfo) (*models.CertificateCheck, error) {
	return nil, errors.New("disk full")
}

// slowStore takes a while for every write and counts the ones that landed.
type slowStore struct {
	*storage.Repository
	delay time.Duration
	saved atomic.Int32
}

func (s *slowStore) SaveCheck(ctx context.Context, info models.CertificateInfo) (*models.CertificateCheck, error) {
	time.Sleep(s.delay)
	check, err := s.Repository.SaveCheck(ctx, info)
	if err == nil {
		s.saved.Add(1)
	}
	return check, err
}

type fixture struct {
	monitor *Monitor
	repo    *storage.Repository
	metrics *utils.MetricsCollector
}

func newFixture(t *testing.T, prober batch.Prober) *fixture {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	coord, err := batch.NewCoordinator(prober, batch.Config{MaxConcurrency: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	db, err := storage.Open(models.StorageConfig{Driver: "sqlite", DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	repo := storage.NewRepository(db, logger)

	metrics := utils.NewMetricsCollector(false)
	mon := NewMonitor(coord, repo, logger, WithMetrics(metrics), WithClock(func() time.Time { return fixedNow }))
	t.Cleanup(mon.Close)
	return &fixture{monitor: mon, repo: repo, metrics: metrics}
}

func TestCheckDomainsValidatesInput(t *testing.T) {
	f := newFixture(t, tableProber{})

	_, err := f.monitor.CheckDomains(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyDomainList)

	_, err = f.monitor.CheckDomains(context.Background(), []string{"a.example", "  "})
	assert.ErrorIs(t, err, ErrBlankDomain)

	_, err = f.monitor.CheckDomainsAsync(context.Background(), []string{})
	assert.ErrorIs(t, err, ErrEmptyDomainList)
}

func TestCheckDomainsPersistsEveryResult(t *testing.T) {
	f := newFixture(t, tableProber{"a.example": 40, "b.example": 5})
	ctx := context.Background()

	resp, err := f.monitor.CheckDomains(ctx, []string{"a.example", "missing.example", "b.example"})
	require.NoError(t, err)
	require.Len(t, resp, 3)

	assert.Equal(t, "a.example", resp[0].Domain)
	assert.Equal(t, models.AlertInfo, resp[0].AlertLevel)
	require.NotNil(t, resp[0].DaysUntilExpiry)
	assert.Equal(t, 40, *resp[0].DaysUntilExpiry)

	assert.False(t, resp[1].IsValid)
	assert.Equal(t, models.AlertError, resp[1].AlertLevel)
	assert.Nil(t, resp[1].ExpiryDate)
	require.NotNil(t, resp[1].Error)

	assert.Equal(t, models.AlertCritical, resp[2].AlertLevel)

	domains, err := f.repo.ListDomains(ctx)
	require.NoError(t, err)
	assert.Len(t, domains, 3)

	count, err := testutil.GatherAndCount(f.metrics.GetRegistry(), "certlynx_checks_persisted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCheckDomainsAsyncJob(t *testing.T) {
	f := newFixture(t, tableProber{"a.example": 100, "b.example": 20})

	job, err := f.monitor.CheckDomainsAsync(context.Background(), []string{"a.example", "b.example"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 2, job.Count)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := job.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, resp, 2)
	assert.Equal(t, JobCompleted, job.Status())
	assert.Equal(t, "a.example", resp[0].Domain)
	assert.Equal(t, models.AlertOK, resp[0].AlertLevel)
	assert.Equal(t, models.AlertWarning, resp[1].AlertLevel)

	// the job completes only after the results are stored
	page, err := f.repo.History(context.Background(), "b.example", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.TotalItems)
}

func TestAsyncJobSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, tableProber{"a.example": 100})

	ctx, cancel := context.WithCancel(context.Background())
	job, err := f.monitor.CheckDomainsAsync(ctx, []string{"a.example"})
	require.NoError(t, err)

	<-job.Done()
	cancel()

	resp, ok := job.Responses()
	require.True(t, ok)
	assert.Len(t, resp, 1)
	_, done := job.CompletedAt()
	assert.True(t, done)
}

func TestCloseWaitsForAsyncPersistence(t *testing.T) {
	f := newFixture(t, tableProber{"a.example": 100, "b.example": 20, "c.example": 3})
	store := &slowStore{Repository: f.repo, delay: 20 * time.Millisecond}
	logger, _ := logrustest.NewNullLogger()
	mon := NewMonitor(f.monitor.coordinator, store, logger, WithClock(func() time.Time { return fixedNow }))

	job, err := mon.CheckDomainsAsync(context.Background(), []string{"a.example", "b.example", "c.example"})
	require.NoError(t, err)

	mon.Close()
	assert.Equal(t, int32(3), store.saved.Load())
	assert.Equal(t, JobCompleted, job.Status())

	_, err = mon.CheckDomainsAsync(context.Background(), []string{"a.example"})
	assert.ErrorIs(t, err, ErrMonitorClosed)
}

func TestPersistenceFailureStillReturnsResults(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	coord, err := batch.NewCoordinator(tableProber{"a.example": 10}, batch.Config{MaxConcurrency: 2}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	mon := NewMonitor(coord, failingStore{}, logger)
	resp, err := mon.CheckDomains(context.Background(), []string{"a.example", "b.example"})
	require.NoError(t, err)
	assert.Len(t, resp, 2)

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "persist") {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestExpiringSoon(t *testing.T) {
	f := newFixture(t, tableProber{"soon.example": 3, "month.example": 25, "far.example": 300})
	ctx := context.Background()

	_, err := f.monitor.CheckDomains(ctx, []string{"far.example", "month.example", "soon.example", "gone.example"})
	require.NoError(t, err)

	resp, err := f.monitor.ExpiringSoon(ctx, 30)
	require.NoError(t, err)
	require.Len(t, resp, 2)
	assert.Equal(t, "soon.example", resp[0].Domain)
	assert.Equal(t, models.AlertCritical, resp[0].AlertLevel)
	assert.Equal(t, "month.example", resp[1].Domain)
	require.NotNil(t, resp[1].DaysUntilExpiry)
	assert.Equal(t, 25, *resp[1].DaysUntilExpiry)

	resp, err = f.monitor.ExpiringSoon(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, resp)

	_, err = f.monitor.ExpiringSoon(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidDays)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, tableProber{"hist.example": 60})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.monitor.CheckDomains(ctx, []string{"hist.example"})
		require.NoError(t, err)
	}

	page, err := f.monitor.History(ctx, "https://hist.example/", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "hist.example", page.Domain)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(3), page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)

	_, err = f.monitor.History(ctx, "nobody.example", 0, 20)
	assert.ErrorIs(t, err, storage.ErrDomainNotFound)

	_, err = f.monitor.History(ctx, "https://", 0, 20)
	assert.ErrorIs(t, err, models.ErrInvalidDomain)
}

func TestRecheckAll(t *testing.T) {
	f := newFixture(t, tableProber{"a.example": 5, "b.example": 50})
	ctx := context.Background()

	resp, err := f.monitor.RecheckAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, resp)

	_, err = f.monitor.CheckDomains(ctx, []string{"b.example", "a.example"})
	require.NoError(t, err)

	resp, err = f.monitor.RecheckAll(ctx)
	require.NoError(t, err)
	require.Len(t, resp, 2)
	// stored domains come back in name order
	assert.Equal(t, "a.example", resp[0].Domain)
	assert.Equal(t, "b.example", resp[1].Domain)

	page, err := f.repo.History(ctx, "a.example", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.TotalItems)

	count, err := testutil.GatherAndCount(f.metrics.GetRegistry(), "certlynx_domains_by_alert_level")
	require.NoError(t, err)
	assert.Equal(t, len(models.AllAlertLevels()), count)
}
