package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONFields(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", Output: "console"}, "certlynx", "1.2.3")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	WithRequestID(WithComponent(logger, "probe"), "req-1").Warn("handshake slow")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "handshake slow", entry["message"])
	assert.Equal(t, "warning", entry["severity"])
	assert.Equal(t, "certlynx", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "probe", entry["component"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Contains(t, entry, "caller")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "bogus"}, "certlynx", "dev")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	require.NoError(t, logger.Close())
}

func TestLoggerFileSinkRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "certlynx.log")
	cfg := LogConfigFromSettings(models.LogSettings{Level: "info", Format: "text", File: path, MaxSize: 1})
	cfg.Output = "file"

	logger, err := NewLogger(cfg, "certlynx", "dev")
	require.NoError(t, err)
	logger.Info("first")
	require.NoError(t, logger.Rotate())
	logger.Info("second")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "rotation keeps a backup next to the active file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "second")
	assert.NotContains(t, string(data), "first")
}

func TestRotateInstalledLogger(t *testing.T) {
	std := logrus.StandardLogger()
	out, level, formatter, hooks := std.Out, std.Level, std.Formatter, std.Hooks
	t.Cleanup(func() {
		std.SetOutput(out)
		std.SetLevel(level)
		std.SetFormatter(formatter)
		std.ReplaceHooks(hooks)
	})

	path := filepath.Join(t.TempDir(), "certlynx.log")
	cfg := LogConfigFromSettings(models.LogSettings{Level: "info", Format: "json", File: path, MaxSize: 1})
	cfg.Output = "file"
	logger, err := NewLogger(cfg, "certlynx", "dev")
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	logger.InstallGlobal()
	logrus.Info("before rotation")
	require.NoError(t, RotateInstalled())
	logrus.Info("after rotation")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after rotation")
	assert.NotContains(t, string(data), "before rotation")
}

func TestMetricsCollectorRegistersOnce(t *testing.T) {
	m := NewMetricsCollector(false)

	require.NoError(t, m.RegisterCounter("probes_total", "help", "outcome"))
	require.NoError(t, m.RegisterCounter("probes_total", "help", "outcome"))
	require.NoError(t, m.RegisterGauge("in_flight", "help", "pool"))
	require.NoError(t, m.RegisterHistogram("duration_seconds", "help", nil, "mode"))

	m.IncCounter("probes_total", 2, prometheus.Labels{"outcome": "valid"})
	m.IncCounter("probes_total", 1, prometheus.Labels{"outcome": "valid"})
	m.SetGauge("in_flight", 4, prometheus.Labels{"pool": "probe"})
	m.ObserveHistogram("duration_seconds", 0.2, prometheus.Labels{"mode": "concurrent"})
	m.IncCounter("never_registered", 1, nil)

	count, err := testutil.GatherAndCount(m.GetRegistry(), "certlynx_probes_total", "certlynx_in_flight", "certlynx_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.True(t, m.DeleteGauge("in_flight", prometheus.Labels{"pool": "probe"}))
	assert.False(t, m.DeleteGauge("in_flight", prometheus.Labels{"pool": "probe"}))
	assert.False(t, m.DeleteGauge("never_registered", prometheus.Labels{"pool": "probe"}))
	count, err = testutil.GatherAndCount(m.GetRegistry(), "certlynx_in_flight")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMetricsServerServesAndStops(t *testing.T) {
	m := NewMetricsCollector(true)
	require.NoError(t, m.RegisterCounter("checks_total", "help"))
	m.IncCounter("checks_total", 1, prometheus.Labels{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.StartServerWithContext(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestRetryWithContext(t *testing.T) {
	calls := 0
	err := RetryWithContext(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryWithContext(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RetryWithContext(ctx, 5, time.Millisecond, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHumanizeDuration(t *testing.T) {
	assert.Equal(t, "1.50s", HumanizeDuration(1500*time.Millisecond))
	assert.Equal(t, "2m 5s", HumanizeDuration(2*time.Minute+5*time.Second))
	assert.Equal(t, "6h 0m", HumanizeDuration(6*time.Hour))
	assert.Equal(t, "2d 3h", HumanizeDuration(51*time.Hour))
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://certlynx:****@db:5432/certlynx",
		MaskDSN("postgres://certlynx:secret@db:5432/certlynx"))
	assert.Equal(t, "host=db user=certlynx password=**** dbname=certlynx",
		MaskDSN("host=db user=certlynx password=hunter2 dbname=certlynx"))
	assert.NotContains(t, MaskDSN("postgres://certlynx:s3cr3tpass@db/certlynx"), "s3")
	assert.NotContains(t, MaskDSN("postgres://certlynx:s3cr3tpass@db/certlynx"), "ss")
	assert.Equal(t, "certlynx.db", MaskDSN("certlynx.db"))
}

func TestMaskSensitiveData(t *testing.T) {
	assert.Equal(t, "****", MaskSensitiveData("hunter2"))
	assert.Equal(t, "****", MaskSensitiveData("a-much-longer-database-password"))
	assert.Equal(t, "", MaskSensitiveData(""))
}
