package actions

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/pkg/schema"
)

// Publisher is the part of the event bus emit_event needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Hook names used in failures and logs.
func ExitHook(state string) string { return "exit:" + state }
func EntryHook(state string) string { return "entry:" + state }
func TransitionHook(name string) string { return "transition:" + name }

// Config holds the executor's collaborators. Zero values get defaults.
type Config struct {
	Publisher      Publisher
	Callbacks      *Callbacks
	HTTPClient     *http.Client
	Breakers       *Breakers
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Executor runs hook action lists in declaration order.
type Executor struct {
	publisher Publisher
	callbacks *Callbacks
	client    *http.Client
	breakers  *Breakers
	timeout   time.Duration
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) *Executor {
	x := &Executor{
		publisher: cfg.Publisher,
		callbacks: cfg.Callbacks,
		client:    cfg.HTTPClient,
		breakers:  cfg.Breakers,
		timeout:   cfg.DefaultTimeout,
		logger:    cfg.Logger,
	}
	if x.callbacks == nil {
		x.callbacks = NewCallbacks()
	}
	if x.client == nil {
		x.client = &http.Client{}
	}
	if x.breakers == nil {
		x.breakers = NewBreakers(DefaultBreakerConfig())
	}
	if x.timeout <= 0 {
		x.timeout = DefaultTimeout
	}
	if x.logger == nil {
		x.logger = slog.Default()
	}
	return x
}

// Callbacks returns the callback registry actions resolve against.
func (x *Executor) Callbacks() *Callbacks { return x.callbacks }

// Run executes acts in order. A failing continue-policy action is recorded in
// the returned failures and execution moves on. A failing abort-policy action
// stops the hook and returns ACTION_FAILED with the underlying error as cause;
// failures recorded before it are still returned.
func (x *Executor) Run(ctx context.Context, hook string, acts []Action, scope *expressions.Scope) ([]schema.ActionFailure, error) {
	var failures []schema.ActionFailure
	for i, a := range acts {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		err := a.Execute(ctx, x, scope)
		if err == nil {
			continue
		}
		f := schema.ActionFailure{
			Hook:   hook,
			Index:  i,
			Kind:   string(a.Kind()),
			Code:   schema.CodeOf(err),
			Reason: messageOf(err),
		}
		if a.Policy() == schema.PolicyContinue {
			x.logger.WarnContext(ctx, "action failed, continuing",
				slog.String("hook", hook), slog.Int("index", i), slog.String("kind", f.Kind), slog.String("error", err.Error()))
			failures = append(failures, f)
			continue
		}
		x.logger.ErrorContext(ctx, "action failed",
			slog.String("hook", hook), slog.Int("index", i), slog.String("kind", f.Kind), slog.String("error", err.Error()))
		return failures, schema.NewActionFailed(f, err)
	}
	return failures, nil
}
