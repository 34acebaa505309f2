package api

import (
	"context"
	"strconv"
	"time"

	"github.com/bl4ck0w1/certlynx/internal/service"
	"github.com/bl4ck0w1/certlynx/pkg/models"
	"github.com/bl4ck0w1/certlynx/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const defaultExpiringDays = 30

type checkRequest struct {
	Domains []string `json:"domains"`
}

type jobResponse struct {
	JobID       string                       `json:"job_id"`
	Status      string                       `json:"status"`
	Count       int                          `json:"count"`
	SubmittedAt time.Time                    `json:"submitted_at"`
	CompletedAt *time.Time                   `json:"completed_at,omitempty"`
	Results     []models.DomainCheckResponse `json:"results,omitempty"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "UP", "service": ServiceName})
}

func parseCheckRequest(c *fiber.Ctx) ([]string, error) {
	var req checkRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return req.Domains, nil
}

func (s *Server) checkDomains(c *fiber.Ctx) error {
	domains, err := parseCheckRequest(c)
	if err != nil {
		return err
	}
	resp, err := s.monitor.CheckDomains(c.UserContext(), domains)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// checkDomainsAsync runs the batch concurrently. By default it still answers
// with the results; wait=false returns a job id to poll instead.
func (s *Server) checkDomainsAsync(c *fiber.Ctx) error {
	wait := true
	if raw := c.Query("wait"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "wait must be a boolean")
		}
		wait = v
	}

	domains, err := parseCheckRequest(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	if !wait {
		ctx = context.WithoutCancel(ctx)
	}
	job, err := s.monitor.CheckDomainsAsync(ctx, domains)
	if err != nil {
		return err
	}
	s.jobs.Add(job)

	utils.WithRequestID(s.logger, requestIDFrom(c)).WithFields(logrus.Fields{
		"job_id": job.ID,
		"count":  job.Count,
		"wait":   wait,
	}).Debug("Asynchronous check accepted")

	if !wait {
		c.Location(BasePath + "/jobs/" + job.ID)
		return c.Status(fiber.StatusAccepted).JSON(newJobResponse(job))
	}

	resp, err := job.Wait(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, ok := s.jobs.Get(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "job not found")
	}
	if job.Status() != service.JobCompleted {
		return c.Status(fiber.StatusAccepted).JSON(newJobResponse(job))
	}
	return c.JSON(newJobResponse(job))
}

func newJobResponse(job *service.Job) jobResponse {
	resp := jobResponse{
		JobID:       job.ID,
		Status:      job.Status(),
		Count:       job.Count,
		SubmittedAt: job.SubmittedAt,
	}
	if results, ok := job.Responses(); ok {
		resp.Results = results
		if at, done := job.CompletedAt(); done {
			resp.CompletedAt = &at
		}
	}
	return resp
}

func (s *Server) expiringSoon(c *fiber.Ctx) error {
	days := defaultExpiringDays
	if raw := c.Query("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "days must be an integer")
		}
		days = v
	}

	resp, err := s.monitor.ExpiringSoon(c.UserContext(), days)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func (s *Server) history(c *fiber.Ctx) error {
	page, err := queryInt(c, "page", 0)
	if err != nil || page < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "page must be a non-negative integer")
	}
	size, err := queryInt(c, "size", s.config.DefaultPageSize)
	if err != nil || size <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "size must be a positive integer")
	}
	if size > s.config.MaxPageSize {
		size = s.config.MaxPageSize
	}

	resp, err := s.monitor.History(c.UserContext(), c.Params("domain"), page, size)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
