package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/pkg/schema"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := km.Lock(context.Background(), "a")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}

	// Other keys are independent.
	other, err := km.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}
	assert.Eventually(t, func() bool { return km.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := newKeyedMutex()
	unlock, err := km.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, km.size())
}

func TestInstanceCache_LRU(t *testing.T) {
	c := newInstanceCache(2)
	for i := 0; i < 3; i++ {
		c.put(&schema.Instance{ID: fmt.Sprintf("i%d", i)})
		if i == 1 {
			_, ok := c.get("i0") // touch i0 so i1 is the oldest
			require.True(t, ok)
		}
	}
	assert.Equal(t, 2, c.size())
	_, ok := c.get("i1")
	assert.False(t, ok)
	_, ok = c.get("i0")
	assert.True(t, ok)

	c.remove("i0")
	_, ok = c.get("i0")
	assert.False(t, ok)
}

func TestInstanceCache_ReturnsCopies(t *testing.T) {
	c := newInstanceCache(4)
	inst := &schema.Instance{ID: "x", Data: map[string]any{"k": "v"}}
	c.put(inst)
	inst.Data["k"] = "changed"

	got, ok := c.get("x")
	require.True(t, ok)
	assert.Equal(t, "v", got.Data["k"])
	got.Data["k"] = "again"

	got, _ = c.get("x")
	assert.Equal(t, "v", got.Data["k"])
}

func TestInstanceCache_Disabled(t *testing.T) {
	c := newInstanceCache(-1)
	c.put(&schema.Instance{ID: "x"})
	_, ok := c.get("x")
	assert.False(t, ok)
}
