package actions

import (
	"context"

	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// EmitEvent publishes its rendered payload on Topic.
type EmitEvent struct {
	base
	Topic string
}

func (a *EmitEvent) Kind() schema.ActionType { return schema.ActionEmitEvent }

func (a *EmitEvent) Execute(ctx context.Context, x *Executor, scope *expressions.Scope) error {
	if x.publisher == nil {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "emit_event %s: no event bus configured", a.Topic)
	}
	payload, err := a.render(scope)
	if err != nil {
		return err
	}
	if err := x.publisher.Publish(ctx, a.Topic, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeActionFailed, "emit_event %s: %s", a.Topic, err.Error()).WithCause(err)
	}
	return nil
}
