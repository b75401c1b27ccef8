package actions

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/pkg/schema"
)

func mustCompile(t *testing.T, specs ...schema.ActionSpec) []Action {
	t.Helper()
	acts, err := CompileAll(specs, "")
	require.NoError(t, err)
	return acts
}

func TestRun_EmitEventRendersPayload(t *testing.T) {
	pub := &fakePublisher{}
	x := NewExecutor(Config{Publisher: pub})
	acts := mustCompile(t, schema.ActionSpec{
		Type:    schema.ActionEmitEvent,
		Topic:   "order.approved",
		Payload: map[string]any{"order": "${{instance.entityId}}", "amount": "${{instance.data.amount}}", "by": "${{transition.name}}"},
	})

	failures, err := x.Run(context.Background(), EntryHook("approved"), acts, testScope())
	require.NoError(t, err)
	assert.Empty(t, failures)
	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "order.approved", msgs[0].Topic)
	assert.Equal(t, map[string]any{"order": "order-42", "amount": float64(99), "by": "approve"}, msgs[0].Payload)
}

func TestRun_EmitEventOverMemoryBus(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	defer bus.Close()
	got := make(chan eventbus.Message, 1)
	cancel, err := bus.Subscribe(context.Background(), "order.*", func(_ context.Context, m eventbus.Message) { got <- m })
	require.NoError(t, err)
	defer cancel()

	x := NewExecutor(Config{Publisher: bus})
	_, err = x.Run(context.Background(), EntryHook("approved"), mustCompile(t,
		schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "order.approved"}), testScope())
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.JSONEq(t, `{"instanceId":"inst-1","workflowId":"order","entityId":"order-42","state":"review","transition":"approve"}`, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRun_AbortStopsHook(t *testing.T) {
	pub := &fakePublisher{}
	x := NewExecutor(Config{Publisher: pub})
	acts := mustCompile(t,
		schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "first"},
		schema.ActionSpec{Type: schema.ActionInvokeCallback, Callback: "missing"},
		schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "never"},
	)

	_, err := x.Run(context.Background(), TransitionHook("approve"), acts, testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionFailed))
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	hook, index, ok := schema.ActionFailureOf(err)
	require.True(t, ok)
	assert.Equal(t, "transition:approve", hook)
	assert.Equal(t, 1, index)

	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Topic)
}

func TestRun_ContinueRecordsFailure(t *testing.T) {
	pub := &fakePublisher{}
	x := NewExecutor(Config{Publisher: pub})
	acts := mustCompile(t,
		schema.ActionSpec{Type: schema.ActionInvokeCallback, Callback: "missing", ErrorPolicy: schema.PolicyContinue},
		schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "after"},
	)

	failures, err := x.Run(context.Background(), ExitHook("review"), acts, testScope())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, schema.ActionFailure{
		Hook: "exit:review", Index: 0, Kind: "invoke_callback", Code: schema.ErrCodeNotFound,
		Reason: `callback "missing" not registered`,
	}, failures[0])
	assert.Len(t, pub.all(), 1)
}

func TestRun_PayloadRenderFailure(t *testing.T) {
	x := NewExecutor(Config{Publisher: &fakePublisher{}})
	acts := mustCompile(t, schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "t", Payload: "${{input.nothing}}"})
	_, err := x.Run(context.Background(), EntryHook("s"), acts, testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionFailed))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRun_EmitWithoutPublisher(t *testing.T) {
	x := NewExecutor(Config{})
	_, err := x.Run(context.Background(), EntryHook("s"), mustCompile(t, schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "t"}), testScope())
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionFailed))
}

func TestRun_PublishError(t *testing.T) {
	x := NewExecutor(Config{Publisher: &fakePublisher{err: errors.New("bus down")}})
	_, err := x.Run(context.Background(), EntryHook("s"), mustCompile(t, schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "t"}), testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus down")
}

func TestRun_CancelledContext(t *testing.T) {
	x := NewExecutor(Config{Publisher: &fakePublisher{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := x.Run(ctx, EntryHook("s"), mustCompile(t, schema.ActionSpec{Type: schema.ActionEmitEvent, Topic: "t"}), testScope())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallback_Success(t *testing.T) {
	x := NewExecutor(Config{})
	var got any
	require.NoError(t, x.Callbacks().Register("notify", func(_ context.Context, payload any) error {
		got = payload
		return nil
	}))
	acts := mustCompile(t, schema.ActionSpec{Type: schema.ActionInvokeCallback, Callback: "notify", Payload: map[string]any{"ok": "${{input.approved}}"}})

	_, err := x.Run(context.Background(), EntryHook("s"), acts, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, got)
}

func TestCallback_Timeout(t *testing.T) {
	x := NewExecutor(Config{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, x.Callbacks().Register("slow", func(context.Context, any) error {
		<-release // ignores ctx
		return nil
	}))
	acts := mustCompile(t, schema.ActionSpec{Type: schema.ActionInvokeCallback, Callback: "slow", Timeout: "20ms"})

	start := time.Now()
	_, err := x.Run(context.Background(), EntryHook("s"), acts, testScope())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionFailed))
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestCallback_ErrorAndPanic(t *testing.T) {
	x := NewExecutor(Config{})
	require.NoError(t, x.Callbacks().Register("fails", func(context.Context, any) error { return errors.New("nope") }))
	require.NoError(t, x.Callbacks().Register("panics", func(context.Context, any) error { panic("boom") }))

	_, err := x.Run(context.Background(), EntryHook("s"), mustCompile(t, schema.ActionSpec{Type: schema.ActionInvokeCallback, Callback: "fails"}), testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	_, err = x.Run(context.Background(), EntryHook("s"), mustCompile(t, schema.ActionSpec{Type: schema.ActionInvokeCallback, Callback: "panics"}), testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestCallbacks_Registry(t *testing.T) {
	c := NewCallbacks()
	noop := func(context.Context, any) error { return nil }
	require.NoError(t, c.Register("b", noop))
	require.NoError(t, c.Register("a", noop))

	err := c.Register("a", noop)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(c.Register("", noop), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(c.Register("x", nil), schema.ErrCodeValidation))

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("z"))
	assert.Equal(t, []string{"a", "b"}, c.Names())
}

func TestWebhook_PostsJSON(t *testing.T) {
	var gotBody, gotHeader, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotHeader = r.Header.Get("X-Token")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	x := NewExecutor(Config{HTTPClient: srv.Client()})
	acts := mustCompile(t, schema.ActionSpec{
		Type: schema.ActionInvokeWebhook, URL: srv.URL + "/hook",
		Headers: map[string]string{"X-Token": "secret"},
		Payload: map[string]any{"id": "${{instance.id}}"},
	})
	_, err := x.Run(context.Background(), EntryHook("approved"), acts, testScope())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"inst-1"}`, gotBody)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "application/json", gotType)
}

func TestWebhook_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	x := NewExecutor(Config{HTTPClient: srv.Client()})
	_, err := x.Run(context.Background(), EntryHook("s"), mustCompile(t,
		schema.ActionSpec{Type: schema.ActionInvokeWebhook, URL: srv.URL}), testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 422")
}

func TestWebhook_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	x := NewExecutor(Config{HTTPClient: srv.Client()})
	_, err := x.Run(context.Background(), EntryHook("s"), mustCompile(t,
		schema.ActionSpec{Type: schema.ActionInvokeWebhook, URL: srv.URL, Timeout: "30ms"}), testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeActionFailed))
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestWebhook_CircuitOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	x := NewExecutor(Config{
		HTTPClient: srv.Client(),
		Breakers:   NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}),
	})
	acts := mustCompile(t, schema.ActionSpec{Type: schema.ActionInvokeWebhook, URL: srv.URL})
	for i := 0; i < 2; i++ {
		_, err := x.Run(context.Background(), EntryHook("s"), acts, testScope())
		require.Error(t, err)
	}
	_, err := x.Run(context.Background(), EntryHook("s"), acts, testScope())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), hits.Load())
}
