package queue

import (
	"context"
	"fmt"

	"promptsync/internal/domain/model"
)

// Handler executes one job. It must honor ctx cancellation between I/O
// operations; the queue races it against the job's timeout.
type Handler func(ctx context.Context, job *model.Job) error

// Dispatcher maps job types to handlers. Populated once at startup so the
// queue core stays free of knowledge of specific job semantics.
type Dispatcher struct {
	handlers map[model.JobType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[model.JobType]Handler)}
}

func (d *Dispatcher) Register(typ model.JobType, h Handler) {
	d.handlers[typ] = h
}

func (d *Dispatcher) dispatch(ctx context.Context, job *model.Job) error {
	h, ok := d.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}
	return h(ctx, job)
}
