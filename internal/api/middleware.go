package api

import (
	"strconv"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	HeaderRequestID = "X-Request-ID"
	localsRequestID = "request_id"

	metricRequestsTotal   = "http_requests_total"
	metricRequestDuration = "http_request_duration_seconds"
)

func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(HeaderRequestID, id)
		c.Locals(localsRequestID, id)
		return c.Next()
	}
}

func requestIDFrom(c *fiber.Ctx) string {
	id, _ := c.Locals(localsRequestID).(string)
	return id
}

// accessLog resolves handler errors itself so the logged status is the one
// the client receives.
func accessLog(logger *logrus.Logger, metrics *utils.MetricsCollector) fiber.Handler {
	if metrics != nil {
		if err := metrics.RegisterCounter(metricRequestsTotal, "HTTP requests by method, route and status.", "method", "route", "status"); err != nil {
			logger.Warnf("Failed to register %s: %v", metricRequestsTotal, err)
		}
		if err := metrics.RegisterHistogram(metricRequestDuration, "HTTP request latency.", nil, "method", "route"); err != nil {
			logger.Warnf("Failed to register %s: %v", metricRequestDuration, err)
		}
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		elapsed := time.Since(start)
		status := c.Response().StatusCode()
		route := c.Route().Path

		entry := utils.WithRequestID(logger, requestIDFrom(c)).WithFields(logrus.Fields{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"remote_ip":   c.IP(),
		})
		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request completed")
		}

		if metrics != nil {
			metrics.IncCounter(metricRequestsTotal, 1, prometheus.Labels{
				"method": c.Method(),
				"route":  route,
				"status": strconv.Itoa(status),
			})
			metrics.ObserveHistogram(metricRequestDuration, elapsed.Seconds(), prometheus.Labels{
				"method": c.Method(),
				"route":  route,
			})
		}
		return nil
	}
}
