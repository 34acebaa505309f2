package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort           = 443
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second
)

const (
	metricProbesTotal     = "probes_total"
	metricProbeDuration   = "probe_duration_seconds"
	metricDaysUntilExpiry = "certificate_days_until_expiry"
)

type Config struct {
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
	}
}

func ConfigFromSettings(s models.ProbeConfig) Config {
	return Config{
		Port:           s.Port,
		ConnectTimeout: s.ConnectTimeout,
		ReadTimeout:    s.ReadTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	return c
}

// ContextDialer opens the plain TCP connection that the TLS client wraps.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Prober)

func WithDialer(d ContextDialer) Option {
	return func(p *Prober) { p.dialer = d }
}

// WithRootCAs replaces the system trust store used during the handshake.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(p *Prober) { p.roots = pool }
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(p *Prober) { p.metrics = m }
}

type Prober struct {
	config  Config
	dialer  ContextDialer
	roots   *x509.CertPool
	now     func() time.Time
	logger  *logrus.Logger
	metrics *utils.MetricsCollector
}

func NewProber(cfg Config, logger *logrus.Logger, opts ...Option) *Prober {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()

	p := &Prober{
		config: cfg,
		dialer: &net.Dialer{Timeout: cfg.ConnectTimeout},
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metrics != nil {
		registerMetrics(p.metrics, logger)
	}
	return p
}

func registerMetrics(m *utils.MetricsCollector, logger *logrus.Logger) {
	if err := m.RegisterCounter(metricProbesTotal, "TLS certificate probes by outcome and failure kind.", "outcome", "kind"); err != nil {
		logger.Warnf("Failed to register %s: %v", metricProbesTotal, err)
	}
	if err := m.RegisterHistogram(metricProbeDuration, "Duration of TLS certificate probes.", nil, "outcome"); err != nil {
		logger.Warnf("Failed to register %s: %v", metricProbeDuration, err)
	}
	if err := m.RegisterGauge(metricDaysUntilExpiry, "Days until the leaf certificate expires, as of the last probe.", "domain"); err != nil {
		logger.Warnf("Failed to register %s: %v", metricDaysUntilExpiry, err)
	}
}

// Probe performs one TLS handshake against rawDomain and reports the leaf
// certificate. It never fails: every error is folded into the returned record.
func (p *Prober) Probe(ctx context.Context, rawDomain string) models.CertificateInfo {
	now := p.now()
	start := time.Now()

	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		info := models.NewFailedCertificate(rawDomain, models.FailureInvalidInput, err.Error(), now)
		p.report(info, time.Since(start))
		return info
	}

	leaf, err := p.fetchLeaf(ctx, domain)
	var info models.CertificateInfo
	if err != nil {
		kind := ClassifyError(err)
		// the resolver can hide the caller's cancellation behind a DNSError
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind = ClassifyError(ctxErr)
		}
		info = models.NewFailedCertificate(domain, kind, err.Error(), now)
	} else {
		info = models.NewValidCertificate(domain, detailsFromLeaf(leaf), now)
	}
	p.report(info, time.Since(start))
	return info
}

func (p *Prober) fetchLeaf(ctx context.Context, domain string) (*x509.Certificate, error) {
	host, port, err := splitHostPort(domain, p.config.Port)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	rawConn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(rawConn, &tls.Config{
		ServerName: host,
		RootCAs:    p.roots,
		MinVersion: tls.VersionTLS10,
	})
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(p.config.ReadTimeout)); err != nil {
		return nil, err
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 || state.PeerCertificates[0] == nil {
		return nil, errNoPeerCertificates
	}
	return state.PeerCertificates[0], nil
}

func detailsFromLeaf(cert *x509.Certificate) models.CertificateDetails {
	serial := ""
	if cert.SerialNumber != nil {
		serial = cert.SerialNumber.String()
	}
	return models.CertificateDetails{
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Issuer:       cert.Issuer.String(),
		Subject:      cert.Subject.String(),
		SerialNumber: serial,
		DNSNames:     cert.DNSNames,
	}
}

func (p *Prober) report(info models.CertificateInfo, elapsed time.Duration) {
	entry := p.logger.WithFields(logrus.Fields{
		"domain":      info.Domain(),
		"duration_ms": elapsed.Milliseconds(),
	})

	outcome := "valid"
	if days, ok := info.DaysUntilExpiry(); ok {
		entry.WithFields(logrus.Fields{
			"days_until_expiry": days,
			"alert_level":       info.AlertLevel(),
		}).Info("Certificate check completed")
	} else {
		outcome = "invalid"
		msg, _ := info.ErrorMessage()
		entry.WithFields(logrus.Fields{
			"failure_kind": info.FailureKind(),
			"error":        msg,
		}).Warn("Certificate check failed")
	}

	if p.metrics == nil {
		return
	}
	p.metrics.IncCounter(metricProbesTotal, 1, prometheus.Labels{"outcome": outcome, "kind": string(info.FailureKind())})
	p.metrics.ObserveHistogram(metricProbeDuration, elapsed.Seconds(), prometheus.Labels{"outcome": outcome})
	if days, ok := info.DaysUntilExpiry(); ok {
		p.metrics.SetGauge(metricDaysUntilExpiry, float64(days), prometheus.Labels{"domain": info.Domain()})
	} else {
		// a failing domain has no expiry to report
		p.metrics.DeleteGauge(metricDaysUntilExpiry, prometheus.Labels{"domain": info.Domain()})
	}
}
