package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rezwanahmedsami/taskgrid/internal/task"
)

// bodyRegistry maps task type names to executable bodies. Submissions
// over HTTP name a type; the registry resolves it to the callable the
// engine executes. Registration happens during wiring, before the
// server accepts requests, so lookups need no lock.
type bodyRegistry struct {
	bodies map[string]task.Body
}

func newBodyRegistry() *bodyRegistry {
	return &bodyRegistry{bodies: make(map[string]task.Body)}
}

func (r *bodyRegistry) register(name string, body task.Body) {
	r.bodies[name] = body
}

func (r *bodyRegistry) lookup(name string) (task.Body, error) {
	b, ok := r.bodies[name]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", name)
	}
	return b, nil
}

// registerBuiltins installs the bodies taskgridd ships with. They are
// small load-generation and smoke-test helpers; real deployments embed
// the engine and register their own.
func registerBuiltins(r *bodyRegistry) {
	// noop completes immediately.
	r.register("noop", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	})

	// echo returns its payload.
	r.register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	})

	// sleep blocks for the number of milliseconds given as a decimal
	// payload, simulating a slow body.
	r.register("sleep", func(ctx context.Context, payload []byte) ([]byte, error) {
		ms, err := strconv.Atoi(string(payload))
		if err != nil {
			return nil, fmt.Errorf("sleep payload must be milliseconds: %w", err)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	// fail always errors, for exercising the retry path.
	r.register("fail", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("fail task always fails")
	})
}
