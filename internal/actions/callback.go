package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// Callback invokes a registered in-process CallbackFunc with its rendered payload.
type Callback struct {
	base
	Name    string
	Timeout time.Duration // zero means the executor default
}

func (a *Callback) Kind() schema.ActionType { return schema.ActionInvokeCallback }

func (a *Callback) Execute(ctx context.Context, x *Executor, scope *expressions.Scope) error {
	if x.callbacks == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "callback %q not registered", a.Name)
	}
	fn, err := x.callbacks.Get(a.Name)
	if err != nil {
		return err
	}
	payload, err := a.render(scope)
	if err != nil {
		return err
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}
	cbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A callee that ignores ctx must not block the hook past the timeout.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback %q panicked: %v", a.Name, r)
			}
		}()
		done <- fn(cbCtx, payload)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return schema.NewErrorf(schema.ErrCodeTimeout, "callback %q timed out after %s", a.Name, timeout).WithCause(err)
		}
		var sErr *schema.Error
		if errors.As(err, &sErr) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeActionFailed, "callback %q: %s", a.Name, err.Error()).WithCause(err)
	case <-cbCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return schema.NewErrorf(schema.ErrCodeTimeout, "callback %q timed out after %s", a.Name, timeout)
	}
}
