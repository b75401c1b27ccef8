package store

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rendis/statum/pkg/schema"
)

// RetryPolicy bounds the retries of a Retrying store.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt, doubled afterwards
	MaxDelay    time.Duration // cap on any single delay
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   25 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Retrying wraps a Store and retries transient failures with bounded
// exponential backoff. Results that are answers rather than faults
// (not found, version conflicts, validation) are returned immediately.
type Retrying struct {
	inner  Store
	policy RetryPolicy
	logger *slog.Logger
}

var _ Store = (*Retrying)(nil)

// NewRetrying wraps inner. A nil logger uses slog.Default().
func NewRetrying(inner Store, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, policy: policy, logger: logger}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.inner }

func (r *Retrying) SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return r.do(ctx, "save_definition", func() error { return r.inner.SaveDefinition(ctx, def) })
}

func (r *Retrying) LoadActiveDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	err := r.do(ctx, "load_active_definitions", func() error {
		var err error
		defs, err = r.inner.LoadActiveDefinitions(ctx)
		return err
	})
	return defs, err
}

func (r *Retrying) DeactivateDefinition(ctx context.Context, id string, version int) error {
	return r.do(ctx, "deactivate_definition", func() error { return r.inner.DeactivateDefinition(ctx, id, version) })
}

// UpsertInstance retries on a copy of the version token, so a failed attempt
// never leaves inst with a token the store did not accept.
func (r *Retrying) UpsertInstance(ctx context.Context, inst *schema.Instance) error {
	expected := inst.Version
	return r.do(ctx, "upsert_instance", func() error {
		inst.Version = expected
		err := r.inner.UpsertInstance(ctx, inst)
		if err != nil {
			inst.Version = expected
		}
		return err
	})
}

func (r *Retrying) LoadInstance(ctx context.Context, id string) (*schema.Instance, error) {
	var inst *schema.Instance
	err := r.do(ctx, "load_instance", func() error {
		var err error
		inst, err = r.inner.LoadInstance(ctx, id)
		return err
	})
	return inst, err
}

func (r *Retrying) QueryInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.Instance, error) {
	var out []*schema.Instance
	err := r.do(ctx, "query_instances", func() error {
		var err error
		out, err = r.inner.QueryInstances(ctx, filter)
		return err
	})
	return out, err
}

func (r *Retrying) Migrate(ctx context.Context) error { return r.inner.Migrate(ctx) }

func (r *Retrying) Close() error { return r.inner.Close() }

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(r.policy, attempt-1)
			r.logger.Debug("retrying store operation",
				slog.String("op", op), slog.Int("attempt", attempt+1), slog.Duration("delay", delay), slog.Any("error", err))
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				return err
			}
		}
		err = fn()
		if err == nil || !IsRetryableError(err) {
			return err
		}
	}
	r.logger.Warn("store operation failed after retries",
		slog.String("op", op), slog.Int("attempts", r.policy.MaxAttempts), slog.Any("error", err))
	return err
}

// IsRetryableError classifies whether a store error is transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sErr *schema.Error
	if errors.As(err, &sErr) {
		switch sErr.Code {
		case schema.ErrCodeNotFound, schema.ErrCodeConcurrentModification, schema.ErrCodeValidation:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		for _, p := range transientPatterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
	}
	return false
}

var transientPatterns = []string{
	"database is locked",
	"busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"temporary failure",
}

// ComputeBackoff returns BaseDelay * 2^attempt, capped at MaxDelay.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	delay := policy.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if policy.MaxDelay > 0 && delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
