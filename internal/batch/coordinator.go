package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bl4ck0w1/certlynx/internal/probe"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	ErrNilProber          = errors.New("batch: prober is nil")
	ErrInvalidConcurrency = errors.New("batch: max concurrency must be positive")
	ErrInvalidMode        = errors.New("batch: unknown execution mode")
	ErrCoordinatorClosed  = errors.New("batch: coordinator is closed")
)

const (
	metricBatchDuration = "batch_duration_seconds"
	metricBatchSize     = "batch_size"
	metricInFlight      = "probes_in_flight"
)

// Prober is the single-domain check the coordinator fans out.
type Prober interface {
	Probe(ctx context.Context, domain string) models.CertificateInfo
}

type Mode int

const (
	Sequential Mode = iota
	Concurrent
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "seq", "sync":
		return Sequential, nil
	case "concurrent", "parallel", "async":
		return Concurrent, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

type Config struct {
	MaxConcurrency int
	// RateLimit is in probe starts per second; zero disables pacing.
	RateLimit    float64
	RateBurst    int
	BatchTimeout time.Duration
}

func ConfigFromSettings(s models.BatchConfig) Config {
	return Config{
		MaxConcurrency: s.MaxConcurrency,
		RateLimit:      s.RateLimit,
		RateBurst:      s.RateBurst,
		BatchTimeout:   s.BatchTimeout,
	}
}

// Coordinator runs batches of probes over one shared worker pool. Every
// batch, sequential or concurrent, draws from the same semaphore so the
// concurrency bound holds across batches running at the same time.
type Coordinator struct {
	prober  Prober
	config  Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *logrus.Logger
	metrics *utils.MetricsCollector

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup

	inFlight         atomic.Int64
	batchesSubmitted atomic.Int64
	batchesCompleted atomic.Int64
	domainsChecked   atomic.Int64
}

func NewCoordinator(p Prober, cfg Config, logger *logrus.Logger) (*Coordinator, error) {
	if p == nil {
		return nil, ErrNilProber
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, cfg.MaxConcurrency)
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Coordinator{
		prober: p,
		config: cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	logger.WithFields(logrus.Fields{
		"max_concurrency": cfg.MaxConcurrency,
		"rate_limit":      cfg.RateLimit,
		"batch_timeout":   cfg.BatchTimeout.String(),
	}).Debug("Batch coordinator initialized")
	return c, nil
}

func (c *Coordinator) SetMetrics(m *utils.MetricsCollector) {
	if m == nil {
		return
	}
	if err := m.RegisterHistogram(metricBatchDuration, "Wall time of certificate check batches.", nil, "mode"); err != nil {
		c.logger.Warnf("Failed to register %s: %v", metricBatchDuration, err)
	}
	if err := m.RegisterHistogram(metricBatchSize, "Number of domains per batch.",
		prometheus.ExponentialBuckets(1, 2, 10), "mode"); err != nil {
		c.logger.Warnf("Failed to register %s: %v", metricBatchSize, err)
	}
	if err := m.RegisterGauge(metricInFlight, "Probes currently holding a pool slot."); err != nil {
		c.logger.Warnf("Failed to register %s: %v", metricInFlight, err)
	}
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// CheckAll probes every domain and returns one record per input, in input
// order. Per-domain failures are records, never errors.
func (c *Coordinator) CheckAll(ctx context.Context, domains []string, mode Mode) ([]models.CertificateInfo, error) {
	p, err := c.Submit(ctx, domains, mode)
	if err != nil {
		return nil, err
	}
	// Cancellation reaches the probes through ctx, so the batch always
	// finishes with every slot filled.
	<-p.Done()
	return p.results, nil
}

// Submit starts a batch in the background. The batch is bound to ctx: a
// caller that wants the batch to outlive a request must pass a detached
// context.
func (c *Coordinator) Submit(ctx context.Context, domains []string, mode Mode) (*Pending, error) {
	if mode != Sequential && mode != Concurrent {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	c.pending.Add(1)
	c.mu.Unlock()

	input := make([]string, len(domains))
	copy(input, domains)

	p := &Pending{
		done:      make(chan struct{}),
		mode:      mode,
		size:      len(input),
		submitted: time.Now(),
	}
	c.batchesSubmitted.Add(1)

	go func() {
		defer c.pending.Done()
		defer close(p.done)
		p.results = c.run(ctx, input, mode)
		c.batchesCompleted.Add(1)
	}()
	return p, nil
}

func (c *Coordinator) run(ctx context.Context, domains []string, mode Mode) []models.CertificateInfo {
	results := make([]models.CertificateInfo, len(domains))
	if len(domains) == 0 {
		return results
	}

	if c.config.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.BatchTimeout)
		defer cancel()
	}

	start := time.Now()
	switch mode {
	case Sequential:
		for i, domain := range domains {
			results[i] = c.probeOne(ctx, domain)
		}
	case Concurrent:
		var g errgroup.Group
		g.SetLimit(c.config.MaxConcurrency)
		for i, domain := range domains {
			i, domain := i, domain
			g.Go(func() error {
				results[i] = c.probeOne(ctx, domain)
				return nil
			})
		}
		_ = g.Wait()
	}
	elapsed := time.Since(start)
	c.domainsChecked.Add(int64(len(domains)))

	valid := 0
	for _, r := range results {
		if r.IsValid() {
			valid++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"mode":        mode.String(),
		"count":       len(domains),
		"valid":       valid,
		"invalid":     len(domains) - valid,
		"duration_ms": elapsed.Milliseconds(),
	}).Info("Certificate batch completed")

	if m := c.metricsCollector(); m != nil {
		labels := prometheus.Labels{"mode": mode.String()}
		m.ObserveHistogram(metricBatchDuration, elapsed.Seconds(), labels)
		m.ObserveHistogram(metricBatchSize, float64(len(domains)), labels)
	}
	return results
}

func (c *Coordinator) probeOne(ctx context.Context, domain string) models.CertificateInfo {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return notStarted(ctx, domain, err)
	}
	defer c.sem.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return notStarted(ctx, domain, err)
		}
	}

	c.setInFlight(c.inFlight.Add(1))
	defer func() { c.setInFlight(c.inFlight.Add(-1)) }()

	return c.prober.Probe(ctx, domain)
}

func (c *Coordinator) setInFlight(n int64) {
	if m := c.metricsCollector(); m != nil {
		m.SetGauge(metricInFlight, float64(n), prometheus.Labels{})
	}
}

func (c *Coordinator) metricsCollector() *utils.MetricsCollector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// notStarted builds the record for a domain whose probe never got a pool
// slot or a rate token before the batch context ended.
func notStarted(ctx context.Context, raw string, err error) models.CertificateInfo {
	domain, nerr := probe.NormalizeDomain(raw)
	if nerr != nil {
		domain = raw
	}

	kind := models.FailureTimeout
	switch {
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		kind = models.FailureCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = models.FailureTimeout
	}
	return models.NewFailedCertificate(domain, kind, fmt.Sprintf("check not started: %v", err), time.Now())
}

// Close rejects new batches and waits for the running ones to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.Wait()
	c.logger.Debug("Batch coordinator closed")
	return nil
}

func (c *Coordinator) Stats() map[string]interface{} {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	return map[string]interface{}{
		"max_concurrency":   c.config.MaxConcurrency,
		"rate_limit":        c.config.RateLimit,
		"batch_timeout":     c.config.BatchTimeout.String(),
		"in_flight":         c.inFlight.Load(),
		"batches_submitted": c.batchesSubmitted.Load(),
		"batches_completed": c.batchesCompleted.Load(),
		"domains_checked":   c.domainsChecked.Load(),
		"closed":            closed,
	}
}

// Pending is the handle of a batch started with Submit.
type Pending struct {
	done      chan struct{}
	results   []models.CertificateInfo
	mode      Mode
	size      int
	submitted time.Time
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the batch finishes or ctx ends. Giving up on the wait
// does not stop the batch.
func (p *Pending) Wait(ctx context.Context) ([]models.CertificateInfo, error) {
	select {
	case <-p.done:
		return p.results, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) Mode() Mode { return p.mode }

func (p *Pending) Size() int { return p.size }

func (p *Pending) SubmittedAt() time.Time { return p.submitted }
