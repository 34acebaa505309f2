package service

import (
	"context"
	"sync"
	"time"

	"github.com/bl4ck0w1/certlynx/pkg/models"
)

const (
	JobRunning   = "running"
	JobCompleted = "completed"
)

// Job tracks an asynchronous batch until its results are stored.
type Job struct {
	ID          string
	Count       int
	SubmittedAt time.Time

	done        chan struct{}
	mu          sync.RWMutex
	completedAt time.Time
	responses   []models.DomainCheckResponse
}

func newJob(id string, count int, submitted time.Time) *Job {
	return &Job{
		ID:          id,
		Count:       count,
		SubmittedAt: submitted,
		done:        make(chan struct{}),
	}
}

func (j *Job) finish(responses []models.DomainCheckResponse, at time.Time) {
	j.mu.Lock()
	j.responses = responses
	j.completedAt = at
	j.mu.Unlock()
	close(j.done)
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Status() string {
	select {
	case <-j.done:
		return JobCompleted
	default:
		return JobRunning
	}
}

// Responses returns the results and true once the job has completed.
func (j *Job) Responses() ([]models.DomainCheckResponse, bool) {
	select {
	case <-j.done:
	default:
		return nil, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.responses, true
}

func (j *Job) CompletedAt() (time.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.completedAt, !j.completedAt.IsZero()
}

func (j *Job) Wait(ctx context.Context) ([]models.DomainCheckResponse, error) {
	select {
	case <-j.done:
		resp, _ := j.Responses()
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
