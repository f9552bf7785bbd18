package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/jobdrain/internal/model"
)

// Built-in job types.
const (
	TypeNoop  = "noop"
	TypeFail  = "fail"
	TypeSleep = "sleep"
)

// RegisterBuiltins registers the noop, fail and sleep handlers used by the
// server binary and end-to-end tests.
func RegisterBuiltins(r *Registry) {
	r.Register(TypeNoop, HandlerFunc(func(context.Context, model.Job) error {
		return nil
	}))

	r.Register(TypeFail, HandlerFunc(func(_ context.Context, job model.Job) error {
		msg := string(job.Payload)
		if msg == "" {
			msg = "job failed"
		}
		return errors.New(msg)
	}))

	// sleep waits for the Go duration in its payload, honouring cancellation.
	r.Register(TypeSleep, HandlerFunc(func(ctx context.Context, job model.Job) error {
		d, err := time.ParseDuration(string(job.Payload))
		if err != nil {
			return fmt.Errorf("parse sleep duration: %w", err)
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
}
