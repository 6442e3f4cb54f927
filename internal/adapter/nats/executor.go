package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/helmsman-dev/helmsman/internal/domain/task"
	"github.com/helmsman-dev/helmsman/internal/port/executor"
)

// Executor dispatches task attempts to remote workers over NATS
// request/reply. Workers subscribe on "tasks.<kind>.execute" and answer
// with a JSON-encoded result.
type Executor struct {
	s       *Sink
	timeout time.Duration
}

// Executor returns a task executor sharing this connection. timeout bounds
// each attempt when the caller's context has no earlier deadline.
func (s *Sink) Executor(timeout time.Duration) *Executor {
	return &Executor{s: s, timeout: timeout}
}

// executeRequest is the wire format sent to workers.
type executeRequest struct {
	Task    task.Task        `json:"task"`
	Context executor.Context `json:"context"`
}

// Execute implements executor.Executor.
func (e *Executor) Execute(ctx context.Context, t *task.Task, ec executor.Context) (*executor.Result, error) {
	data, err := json.Marshal(executeRequest{Task: *t, Context: ec})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	subject := "tasks." + t.ExecutorKind + ".execute"
	msg, err := e.s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", subject, err)
	}

	var res executor.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("decode result from %s: %w", subject, err)
	}
	return &res, nil
}
