package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/pkg/schema"
)

// flakyStore fails the first n calls to UpsertInstance and LoadInstance.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
	err      error
}

func (f *flakyStore) UpsertInstance(ctx context.Context, inst *schema.Instance) error {
	f.calls++
	if f.calls <= f.failures {
		// Simulate a driver that bumped the token before failing.
		inst.Version += 10
		return f.err
	}
	return f.MemoryStore.UpsertInstance(ctx, inst)
}

func (f *flakyStore) LoadInstance(ctx context.Context, id string) (*schema.Instance, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.MemoryStore.LoadInstance(ctx, id)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2, err: errors.New("database is locked")}
	s := NewRetrying(inner, fastPolicy(), nil)

	inst := sampleInstance("order-1", time.Now().UTC())
	require.NoError(t, s.UpsertInstance(context.Background(), inst))
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, int64(1), inst.Version)
}

func TestRetrying_GivesUp(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: errors.New("connection reset by peer")}
	s := NewRetrying(inner, fastPolicy(), nil)

	inst := sampleInstance("order-1", time.Now().UTC())
	err := s.UpsertInstance(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, int64(0), inst.Version, "token restored after failed attempts")
}

func TestRetrying_DoesNotRetryAnswers(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	s := NewRetrying(inner, fastPolicy(), nil)

	_, err := s.LoadInstance(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, 1, inner.calls)
}

func TestRetrying_StopsOnCancel(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: errors.New("database is locked")}
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	s := NewRetrying(inner, policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := s.LoadInstance(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeConcurrentModification, "x")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNotFound, "x")))
	assert.False(t, IsRetryableError(errors.New("syntax error near SELECT")))
	assert.True(t, IsRetryableError(errors.New("database is locked")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodePersistence, "wrapped").WithCause(errors.New("SQLITE_BUSY"))))
}

func TestComputeBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(p, 0))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(p, 1))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(p, 2))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(p, 3))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(p, 30))
	assert.Equal(t, time.Duration(0), ComputeBackoff(RetryPolicy{}, 2))
}
