package rollout

import (
	"context"
)

// Task is a rollout running in the background.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
}

// Start runs Rollout for req in a new goroutine. Canceling the task or ctx
// ends a pending wait in TIMED_OUT.
func (o *Orchestrator) Start(ctx context.Context, req Request) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = o.Rollout(ctx, req)
	}()
	return t
}

// Done is closed once the rollout reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the rollout finished and returns its outcome.
func (t *Task) Wait() (*Result, error) {
	<-t.done
	return t.result, t.err
}

// Cancel stops the rollout. It is safe to call more than once.
func (t *Task) Cancel() {
	t.cancel()
}
