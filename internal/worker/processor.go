package worker

import (
	"context"
	"fmt"

	"callpipe/internal/models"
)

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor maps a job's declared type to its handler.
type Processor struct {
	handlers map[string]Handler
}

func NewProcessor() *Processor {
	return &Processor{handlers: make(map[string]Handler)}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Process dispatches one claimed job. An unregistered type is a hard error so
// a misconfigured worker fails loudly rather than draining the queue.
func (p *Processor) Process(ctx context.Context, job models.Job) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}
