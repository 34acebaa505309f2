package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bl4ck0w1/certlynx/internal/batch"
	"github.com/bl4ck0w1/certlynx/internal/probe"
	"github.com/bl4ck0w1/certlynx/internal/service"
	"github.com/bl4ck0w1/certlynx/internal/storage"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

// stubProber serves fixed expiries; "slow" domains block until released.
type stubProber struct {
	days    map[string]int
	release chan struct{}
}

func (s *stubProber) Probe(ctx context.Context, raw string) models.CertificateInfo {
	domain, err := probe.NormalizeDomain(raw)
	if err != nil {
		return models.NewFailedCertificate(raw, models.FailureInvalidInput, err.Error(), testNow)
	}
	if strings.HasPrefix(domain, "slow") && s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
		}
	}
	days, ok := s.days[domain]
	if !ok {
		return models.NewFailedCertificate(domain, models.FailureResolution, "no such host", testNow)
	}
	return models.NewValidCertificate(domain, models.CertificateDetails{
		NotAfter: testNow.Add(time.Duration(days) * 24 * time.Hour),
	}, testNow)
}

func newTestServer(t *testing.T, prober *stubProber) *Server {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()

	db, err := storage.Open(models.StorageConfig{Driver: "sqlite", DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	coord, err := batch.NewCoordinator(prober, batch.Config{MaxConcurrency: 4}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	metrics := utils.NewMetricsCollector(false)
	mon := service.NewMonitor(coord, storage.NewRepository(db, logger), logger,
		service.WithMetrics(metrics),
		service.WithClock(func() time.Time { return testNow }),
	)
	t.Cleanup(mon.Close)

	cfg := models.DefaultConfig().API
	cfg.MaxPageSize = 3
	srv, err := NewServer(cfg, mon, logger, metrics)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, data
}

func decodeError(t *testing.T, data []byte) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubProber{})
	resp, data := doRequest(t, srv, http.MethodGet, BasePath+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"UP","service":"certlynx"}`, string(data))
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(t, &stubProber{})
	req := httptest.NewRequest(http.MethodGet, BasePath+"/health", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", resp.Header.Get(HeaderRequestID))
}

func TestCheckRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, &stubProber{})

	for _, body := range []string{`{"domains":[]}`, `{}`, `{"domains":["ok.example",""]}`, `not json`} {
		for _, path := range []string{"/check", "/check-async"} {
			resp, data := doRequest(t, srv, http.MethodPost, BasePath+path, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%s %s", path, body)
			assert.NotEmpty(t, decodeError(t, data))
		}
	}
}

func TestCheckReturnsResultsInOrder(t *testing.T) {
	srv := newTestServer(t, &stubProber{days: map[string]int{"a.example": 40, "b.example": 3}})

	resp, data := doRequest(t, srv, http.MethodPost, BasePath+"/check",
		`{"domains":["https://a.example/path","missing.example","b.example"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var results []models.DomainCheckResponse
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 3)

	assert.Equal(t, "a.example", results[0].Domain)
	assert.Equal(t, models.AlertInfo, results[0].AlertLevel)
	assert.False(t, results[1].IsValid)
	assert.Equal(t, models.AlertError, results[1].AlertLevel)
	assert.Nil(t, results[1].ExpiryDate)
	assert.Equal(t, models.AlertCritical, results[2].AlertLevel)
}

func TestCheckAsyncWaitsByDefault(t *testing.T) {
	srv := newTestServer(t, &stubProber{days: map[string]int{"a.example": 100}})

	resp, data := doRequest(t, srv, http.MethodPost, BasePath+"/check-async", `{"domains":["a.example"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var results []models.DomainCheckResponse
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, models.AlertOK, results[0].AlertLevel)
}

func TestCheckAsyncJobPolling(t *testing.T) {
	prober := &stubProber{days: map[string]int{"slow.example": 60}, release: make(chan struct{})}
	srv := newTestServer(t, prober)

	resp, data := doRequest(t, srv, http.MethodPost, BasePath+"/check-async?wait=false", `{"domains":["slow.example"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))

	var accepted jobResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	require.NotEmpty(t, accepted.JobID)
	assert.Equal(t, service.JobRunning, accepted.Status)
	assert.Equal(t, BasePath+"/jobs/"+accepted.JobID, resp.Header.Get("Location"))

	resp, _ = doRequest(t, srv, http.MethodGet, BasePath+"/jobs/"+accepted.JobID, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	close(prober.release)
	job, ok := srv.jobs.Get(accepted.JobID)
	require.True(t, ok)
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}

	resp, data = doRequest(t, srv, http.MethodGet, BasePath+"/jobs/"+accepted.JobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done jobResponse
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, service.JobCompleted, done.Status)
	require.Len(t, done.Results, 1)
	assert.Equal(t, "slow.example", done.Results[0].Domain)
	assert.NotNil(t, done.CompletedAt)

	resp, _ = doRequest(t, srv, http.MethodGet, BasePath+"/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodPost, BasePath+"/check-async?wait=maybe", `{"domains":["a.example"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExpiring(t *testing.T) {
	srv := newTestServer(t, &stubProber{days: map[string]int{"soon.example": 10, "far.example": 120}})
	resp, _ := doRequest(t, srv, http.MethodPost, BasePath+"/check", `{"domains":["soon.example","far.example"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := doRequest(t, srv, http.MethodGet, BasePath+"/expiring", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []models.DomainCheckResponse
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "soon.example", results[0].Domain)

	resp, data = doRequest(t, srv, http.MethodGet, BasePath+"/expiring?days=365", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &results))
	assert.Len(t, results, 2)

	resp, _ = doRequest(t, srv, http.MethodGet, BasePath+"/expiring?days=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = doRequest(t, srv, http.MethodGet, BasePath+"/expiring?days=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubProber{days: map[string]int{"h.example": 50}})
	for i := 0; i < 5; i++ {
		resp, _ := doRequest(t, srv, http.MethodPost, BasePath+"/check", `{"domains":["h.example"]}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, data := doRequest(t, srv, http.MethodGet, BasePath+"/h.example/history?size=50", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var page models.HistoryResponse
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, "h.example", page.Domain)
	assert.Equal(t, 3, page.Size, "size is capped")
	assert.Len(t, page.Items, 3)
	assert.Equal(t, int64(5), page.TotalItems)

	resp, data = doRequest(t, srv, http.MethodGet, BasePath+"/h.example/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Equal(t, 3, page.Size, "default page size follows the cap")

	resp, data = doRequest(t, srv, http.MethodGet, BasePath+"/unknown.example/history", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decodeError(t, data), "domain not found")

	resp, _ = doRequest(t, srv, http.MethodGet, BasePath+"/h.example/history?page=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = doRequest(t, srv, http.MethodGet, BasePath+"/h.example/history?size=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubProber{})
	doRequest(t, srv, http.MethodGet, BasePath+"/health", "")

	resp, data := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "certlynx_http_requests_total")
}

func TestNewServerKeepsPageSizeCap(t *testing.T) {
	cfg := models.DefaultConfig().API
	cfg.DefaultPageSize = 20
	cfg.MaxPageSize = 3
	srv, err := NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, srv.config.MaxPageSize)
	assert.Equal(t, 3, srv.config.DefaultPageSize)

	cfg.DefaultPageSize = 0
	cfg.MaxPageSize = 0
	srv, err = NewServer(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.DefaultPageSize, srv.config.DefaultPageSize)
	assert.Equal(t, storage.DefaultPageSize, srv.config.MaxPageSize)
}

func TestNewServerRejectsInvalidJobCache(t *testing.T) {
	cfg := models.DefaultConfig().API
	cfg.JobCacheSize = 0
	_, err := NewServer(cfg, nil, nil, nil)
	assert.Error(t, err)
}
