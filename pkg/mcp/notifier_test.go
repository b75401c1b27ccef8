package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/pkg/schema"
)

type sent struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{sessionID, method, params})
	return nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifier_SendsToWatchers(t *testing.T) {
	sender := &fakeSender{}
	w := NewWatchers()
	w.Watch("inst-1", "sess-a")
	n := NewNotifier(sender, w, quietLogger())

	n.Notify(schema.LifecycleEvent{Type: schema.EventWorkflowTransitioned, InstanceID: "inst-1", Status: schema.InstanceStatusActive})
	n.Notify(schema.LifecycleEvent{Type: schema.EventWorkflowTransitioned, InstanceID: "inst-2", Status: schema.InstanceStatusActive})

	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "sess-a", got[0].sessionID)
	assert.Equal(t, "notifications/message", got[0].method)
	assert.Equal(t, "statum", got[0].params["logger"])
	evt, ok := got[0].params["data"].(schema.LifecycleEvent)
	require.True(t, ok)
	assert.Equal(t, "inst-1", evt.InstanceID)
}

func TestNotifier_TerminalEventEndsWatch(t *testing.T) {
	sender := &fakeSender{}
	w := NewWatchers()
	w.Watch("inst-1", "sess-a")
	n := NewNotifier(sender, w, quietLogger())

	n.Notify(schema.LifecycleEvent{Type: schema.EventWorkflowCompleted, InstanceID: "inst-1", Status: schema.InstanceStatusCompleted})

	assert.Len(t, sender.snapshot(), 1)
	assert.Empty(t, w.SessionsFor("inst-1"))
}

func TestNotifier_DropsGoneSessions(t *testing.T) {
	sender := &fakeSender{errs: map[string]error{
		"sess-gone":  server.ErrSessionNotFound,
		"sess-flaky": errors.New("channel full"),
	}}
	w := NewWatchers()
	w.Watch("inst-1", "sess-gone")
	w.Watch("inst-1", "sess-flaky")
	w.Watch("inst-1", "sess-ok")
	n := NewNotifier(sender, w, quietLogger())

	n.Notify(schema.LifecycleEvent{InstanceID: "inst-1", Status: schema.InstanceStatusActive})

	assert.Equal(t, []string{"sess-flaky", "sess-ok"}, w.SessionsFor("inst-1"))
	require.Len(t, sender.snapshot(), 1)
}

func TestNotifier_ForwardsFromBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{}
	w := NewWatchers()
	w.Watch("inst-1", "sess-a")
	n := NewNotifier(sender, w, quietLogger())

	bus := eventbus.NewMemoryBus(quietLogger())
	defer bus.Close()
	require.NoError(t, n.Start(ctx, bus))
	defer n.Stop()

	require.NoError(t, bus.Publish(ctx, schema.EventWorkflowStarted, schema.LifecycleEvent{
		Type: schema.EventWorkflowStarted, InstanceID: "inst-1", State: "open", Status: schema.InstanceStatusActive,
	}))
	require.NoError(t, bus.Publish(ctx, schema.CommandStart, schema.Command{WorkflowID: "ticket"}))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	evt := sender.snapshot()[0].params["data"].(schema.LifecycleEvent)
	assert.Equal(t, "open", evt.State)
}
