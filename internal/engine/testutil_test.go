package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/internal/actions"
	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/internal/store"
	"github.com/rendis/statum/internal/validation"
	"github.com/rendis/statum/pkg/schema"
)

type published struct {
	topic   string
	payload any
}

// recorder is a Publisher that keeps everything it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(_ context.Context, topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, payload})
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.topic
	}
	return out
}

func (r *recorder) lifecycle() []schema.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.LifecycleEvent
	for _, m := range r.msgs {
		if ev, ok := m.payload.(schema.LifecycleEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func steppingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time { return base.Add(time.Duration(n.Add(1)) * time.Millisecond) }
}

type harness struct {
	engine   *Engine
	store    *store.MemoryStore
	registry *registry.Registry
	events   *recorder
}

func newHarness(t *testing.T, defs ...*schema.WorkflowDefinition) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	return newHarnessOn(t, st, defs...)
}

func newHarnessOn(t *testing.T, st *store.MemoryStore, defs ...*schema.WorkflowDefinition) *harness {
	t.Helper()
	v, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	reg := registry.New(st, v, nil)
	for _, d := range defs {
		_, err := reg.Define(context.Background(), d)
		require.NoError(t, err)
	}
	_, err = reg.Load(context.Background())
	require.NoError(t, err)

	rec := &recorder{}
	e, err := New(Deps{
		Definitions: reg,
		Store:       st,
		Bus:         rec,
		Actions:     actions.NewExecutor(actions.Config{Publisher: rec}),
		Validator:   v,
		Clock:       steppingClock(),
	})
	require.NoError(t, err)
	return &harness{engine: e, store: st, registry: reg, events: rec}
}

// reviewDefinition is the draft/review/approved/rejected process.
func reviewDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:         "review",
		Name:       "Document review",
		Version:    1,
		StartState: "draft",
		EndStates:  []string{"approved", "rejected"},
		States: map[string]schema.StateSpec{
			"draft":    {},
			"review":   {},
			"approved": {},
			"rejected": {},
		},
		Transitions: []schema.TransitionSpec{
			{Name: "submit", From: "draft", To: "review"},
			{Name: "approve", From: "review", To: "approved", Condition: "inputData.approved == true"},
			{Name: "reject", From: "review", To: "draft"},
		},
	}
}

// counterDefinition has a single self-loop used for concurrency tests.
func counterDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:         "counter",
		Name:       "Counter",
		Version:    1,
		StartState: "open",
		EndStates:  []string{"closed"},
		States:     map[string]schema.StateSpec{"open": {}, "closed": {}},
		Transitions: []schema.TransitionSpec{
			{Name: "bump", From: "open", To: "open"},
			{Name: "close", From: "open", To: "closed"},
		},
	}
}

func requireCode(t *testing.T, err error, code string) *schema.Error {
	t.Helper()
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, code, se.Code, "error: %v", err)
	return se
}
