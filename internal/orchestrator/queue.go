package orchestrator

import (
	"context"

	"stopguard/internal/domain"
)

// Job is one claimed execution handed from the coordinator to a worker.
type Job struct {
	Condition domain.StopCondition
	Token     string
	Position  *domain.Position
}

// Queue is a buffered job channel shared by the coordinator and workers.
type Queue chan Job

// NewQueue creates a Queue with the given buffer size.
func NewQueue(size int) Queue {
	if size < 0 {
		size = 0
	}
	return make(Queue, size)
}

// Dispatch enqueues job, blocking until a slot frees up or ctx is done.
func (q Queue) Dispatch(ctx context.Context, job Job) error {
	select {
	case q <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
