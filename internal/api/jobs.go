package api

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bl4ck0w1/certlynx/internal/service"
)

// JobRegistry remembers the most recent asynchronous jobs so clients can
// poll them. The oldest job is forgotten once the registry is full.
type JobRegistry struct {
	cache *lru.Cache[string, *service.Job]
}

func NewJobRegistry(size int) (*JobRegistry, error) {
	cache, err := lru.New[string, *service.Job](size)
	if err != nil {
		return nil, err
	}
	return &JobRegistry{cache: cache}, nil
}

func (r *JobRegistry) Add(job *service.Job) {
	r.cache.Add(job.ID, job)
}

func (r *JobRegistry) Get(id string) (*service.Job, bool) {
	return r.cache.Get(id)
}

func (r *JobRegistry) Len() int {
	return r.cache.Len()
}
