// Package engine drives workflow instances through their definitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/statum/internal/actions"
	"github.com/rendis/statum/internal/expressions"
	"github.com/rendis/statum/internal/logging"
	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/internal/store"
	"github.com/rendis/statum/pkg/schema"
)

// Definitions resolves compiled workflow definitions.
type Definitions interface {
	Definition(workflowID string) (*registry.Compiled, error)
	DefinitionVersion(workflowID string, version int) (*registry.Compiled, error)
}

// DataValidator checks start data against a definition's data schema.
type DataValidator interface {
	ValidateData(def *schema.WorkflowDefinition, data map[string]any) error
}

type timeSource func() time.Time

// Deps are the Engine's collaborators.
type Deps struct {
	Definitions Definitions
	Store       store.Store
	// Bus receives lifecycle events. Nil disables them.
	Bus actions.Publisher
	// Actions runs hooks. Nil builds an executor publishing on Bus.
	Actions *actions.Executor
	// Validator is optional; without it start data is not schema-checked.
	Validator DataValidator
	Logger    *slog.Logger
	// CacheSize bounds the instance cache. Zero means DefaultCacheSize,
	// negative disables caching.
	CacheSize int

	Clock func() time.Time
	NewID func() string
}

// Engine owns instance lifecycle. All mutating operations on one instance
// are serialized by a per-instance lock; different instances run concurrently.
type Engine struct {
	defs      Definitions
	store     store.Store
	bus       actions.Publisher
	actions   *actions.Executor
	validator DataValidator
	logger    *slog.Logger
	locks     *keyedMutex
	cache     *instanceCache
	now       timeSource
	newID     func() string
}

// New creates an Engine.
func New(d Deps) (*Engine, error) {
	if d.Definitions == nil {
		return nil, errors.New("engine: definitions are required")
	}
	if d.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	e := &Engine{
		defs:      d.Definitions,
		store:     d.Store,
		bus:       d.Bus,
		actions:   d.Actions,
		validator: d.Validator,
		logger:    d.Logger,
		locks:     newKeyedMutex(),
		now:       d.Clock,
		newID:     d.NewID,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.actions == nil {
		e.actions = actions.NewExecutor(actions.Config{Publisher: d.Bus, Logger: e.logger})
	}
	size := d.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	e.cache = newInstanceCache(size)
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Callbacks exposes the callback registry used by invoke_callback actions.
func (e *Engine) Callbacks() *actions.Callbacks { return e.actions.Callbacks() }

// Start creates an instance of the latest version of workflowID at its start
// state and runs the start state's entry actions. Nothing is persisted if an
// abort-policy action fails. A start state that is also an end state
// completes the instance immediately.
func (e *Engine) Start(ctx context.Context, workflowID, entityID string, data map[string]any) (*schema.Instance, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflowId is required")
	}
	if entityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entityId is required")
	}
	def, err := e.defs.Definition(workflowID)
	if err != nil {
		return nil, err
	}
	if e.validator != nil && len(def.Def.DataSchema) > 0 {
		if err := e.validator.ValidateData(def.Def, data); err != nil {
			return nil, err
		}
	}

	now := e.now()
	initial := schema.DeepCopyMap(data)
	if initial == nil {
		initial = map[string]any{}
	}
	inst := &schema.Instance{
		ID:              e.newID(),
		WorkflowID:      def.Def.ID,
		WorkflowVersion: def.Def.Version,
		EntityID:        entityID,
		CurrentState:    def.Def.StartState,
		Data:            initial,
		History: []schema.HistoryEntry{{
			State:        def.Def.StartState,
			Timestamp:    now,
			DataSnapshot: schema.DeepCopyMap(initial),
		}},
		Status:    schema.InstanceStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx = logging.WithIDs(ctx, inst.ID, inst.WorkflowID)
	unlock, err := e.lock(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := def.Def.StartState
	scope := newScope(inst, data, "", "", start)
	failures, err := e.actions.Run(ctx, actions.EntryHook(start), def.EntryActions(start), scope)
	if err != nil {
		return nil, e.fail(err, nil)
	}
	if len(failures) > 0 {
		inst.History[0].Metadata = &schema.HistoryMetadata{ActionFailures: failures}
	}

	events := []schema.LifecycleEvent{}
	completed := def.Def.IsEndState(start)
	if completed {
		if err := markCompleted(inst, schema.DeepCopyMap(inst.Data), func() time.Time { return now }); err != nil {
			return nil, err
		}
	}

	if err := e.persist(ctx, inst, nil); err != nil {
		return nil, err
	}

	events = append(events, e.event(schema.EventWorkflowStarted, inst, "", ""))
	if completed {
		events = append(events, e.event(schema.EventWorkflowCompleted, inst, "", ""))
	}
	e.publish(ctx, events)

	e.logger.InfoContext(ctx, "instance started",
		slog.String("entity_id", entityID), slog.String("state", start), slog.Int("workflow_version", inst.WorkflowVersion))
	return inst.Clone(), nil
}

// Transition fires transitionName from the instance's current state. Exit,
// transition and entry hooks run before anything is committed; an
// abort-policy failure leaves the instance untouched.
func (e *Engine) Transition(ctx context.Context, instanceID, transitionName string, input map[string]any) (*schema.Instance, error) {
	if instanceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instanceId is required")
	}
	if transitionName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transition name is required")
	}
	ctx = logging.WithTransition(logging.WithInstanceID(ctx, instanceID), transitionName)

	unlock, err := e.lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, inst.WorkflowID)
	if err := checkActive(inst); err != nil {
		return nil, err
	}

	def, err := e.defs.DefinitionVersion(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, e.fail(err, inst)
	}
	tr, ok := def.Transition(transitionName, inst.CurrentState)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no transition %q from state %q", transitionName, inst.CurrentState).
			WithDetails(map[string]any{
				"transition": transitionName,
				"state":      inst.CurrentState,
				"available":  def.Available(inst.CurrentState),
			}).
			WithInstance(inst)
	}
	if !expressions.Evaluate(tr.Guard, &expressions.Env{Instance: inst.Data, Input: input}) {
		return nil, schema.NewErrorf(schema.ErrCodeConditionNotMet,
			"condition of transition %q not met", transitionName).
			WithDetails(map[string]any{"transition": transitionName, "condition": tr.Spec.Condition}).
			WithInstance(inst)
	}

	from, to := inst.CurrentState, tr.Spec.To
	scope := newScope(inst, input, transitionName, from, to)
	hooks := []struct {
		name string
		acts []actions.Action
	}{
		{actions.ExitHook(from), def.ExitActions(from)},
		{actions.TransitionHook(transitionName), tr.Actions},
		{actions.EntryHook(to), def.EntryActions(to)},
	}
	var failures []schema.ActionFailure
	for _, h := range hooks {
		fs, err := e.actions.Run(ctx, h.name, h.acts, scope)
		if err != nil {
			return nil, e.fail(err, inst)
		}
		failures = append(failures, fs...)
	}

	now := e.now()
	next := inst.Clone()
	next.CurrentState = to
	next.Data = schema.MergeShallow(inst.Data, input)
	next.UpdatedAt = now
	entry := schema.HistoryEntry{
		State:          to,
		TransitionName: transitionName,
		Timestamp:      now,
		DataSnapshot:   schema.DeepCopyMap(next.Data),
	}
	if len(failures) > 0 {
		entry.Metadata = &schema.HistoryMetadata{ActionFailures: failures}
	}
	next.History = append(next.History, entry)

	completed := def.Def.IsEndState(to)
	if completed {
		if err := markCompleted(next, schema.DeepCopyMap(next.Data), func() time.Time { return now }); err != nil {
			return nil, err
		}
	}

	if err := e.persist(ctx, next, inst); err != nil {
		return nil, err
	}

	events := []schema.LifecycleEvent{e.event(schema.EventWorkflowTransitioned, next, from, transitionName)}
	if completed {
		events = append(events, e.event(schema.EventWorkflowCompleted, next, "", ""))
	}
	e.publish(ctx, events)

	e.logger.InfoContext(ctx, "instance transitioned",
		slog.String("from", from), slog.String("to", to), slog.Bool("completed", completed),
		slog.Int("action_failures", len(failures)))
	return next.Clone(), nil
}

// Complete marks an active instance completed with result.
func (e *Engine) Complete(ctx context.Context, instanceID string, result any) (*schema.Instance, error) {
	return e.finish(ctx, instanceID, schema.InstanceStatusCompleted, func(inst *schema.Instance) error {
		return markCompleted(inst, result, e.now)
	})
}

// Cancel marks an active instance cancelled. It does not interrupt anything;
// it only checks the status once the instance lock is held.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (*schema.Instance, error) {
	return e.finish(ctx, instanceID, schema.InstanceStatusCancelled, func(inst *schema.Instance) error {
		return markCancelled(inst, reason, e.now)
	})
}

func (e *Engine) finish(ctx context.Context, instanceID string, to schema.InstanceStatus, apply func(*schema.Instance) error) (*schema.Instance, error) {
	if instanceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instanceId is required")
	}
	ctx = logging.WithInstanceID(ctx, instanceID)

	unlock, err := e.lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, inst.WorkflowID)

	next := inst.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, next, inst); err != nil {
		return nil, err
	}
	e.publish(ctx, []schema.LifecycleEvent{e.event(lifecycleTopic(to), next, "", "")})

	e.logger.InfoContext(ctx, "instance finished", slog.String("status", string(to)), slog.String("state", next.CurrentState))
	return next.Clone(), nil
}

// Get returns the stored instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*schema.Instance, error) {
	if instanceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instanceId is required")
	}
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, e.storeError(err, instanceID)
	}
	return inst, nil
}

// ListForEntity returns the instances of entityID, newest first.
// filter.EntityID is overridden.
func (e *Engine) ListForEntity(ctx context.Context, entityID string, filter schema.InstanceFilter) ([]*schema.Instance, error) {
	if entityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entityId is required")
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "limit and offset must not be negative")
	}
	if filter.Status != nil {
		if _, ok := ValidStatusTransitions[*filter.Status]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", *filter.Status)
		}
	}
	filter.EntityID = entityID
	out, err := e.store.QueryInstances(ctx, filter)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "failed to query instances").WithCause(err)
	}
	if out == nil {
		out = []*schema.Instance{}
	}
	return out, nil
}

// --- internals ---

func (e *Engine) lock(ctx context.Context, instanceID string) (func(), error) {
	unlock, err := e.locks.Lock(ctx, instanceID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "gave up waiting for instance %q", instanceID).WithCause(err)
	}
	return unlock, nil
}

// load returns a private copy of the instance, cache first.
func (e *Engine) load(ctx context.Context, instanceID string) (*schema.Instance, error) {
	if inst, ok := e.cache.get(instanceID); ok {
		return inst, nil
	}
	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, e.storeError(err, instanceID)
	}
	e.cache.put(inst)
	return inst, nil
}

func (e *Engine) storeError(err error, instanceID string) error {
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return schema.NewErrorf(schema.ErrCodeInstanceNotFound, "instance %q not found", instanceID).
			WithDetails(map[string]any{"instance_id": instanceID})
	}
	return schema.NewErrorf(schema.ErrCodePersistence, "failed to load instance %q", instanceID).WithCause(err)
}

// persist writes next. prev is the committed state next was derived from,
// reported on failure; nil for a new instance.
func (e *Engine) persist(ctx context.Context, next, prev *schema.Instance) error {
	if err := e.store.UpsertInstance(ctx, next); err != nil {
		e.cache.remove(next.ID)
		msg := fmt.Sprintf("failed to persist instance %q", next.ID)
		if schema.HasCode(err, schema.ErrCodeConcurrentModification) {
			msg = fmt.Sprintf("instance %q was modified by another writer", next.ID)
		}
		e.logger.ErrorContext(ctx, "persist failed", slog.Any("error", err))
		return schema.NewError(schema.ErrCodePersistence, msg).WithCause(err).WithInstance(prev)
	}
	e.cache.put(next)
	return nil
}

// fail attaches the instance snapshot to err.
func (e *Engine) fail(err error, inst *schema.Instance) error {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.WithInstance(inst)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeTimeout, "operation interrupted: "+err.Error()).WithCause(err).WithInstance(inst)
	}
	return err
}

func (e *Engine) event(topic string, inst *schema.Instance, from, transition string) schema.LifecycleEvent {
	ev := schema.LifecycleEvent{
		Type:            topic,
		InstanceID:      inst.ID,
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		EntityID:        inst.EntityID,
		State:           inst.CurrentState,
		FromState:       from,
		Transition:      transition,
		Status:          inst.Status,
		Data:            schema.DeepCopyMap(inst.Data),
		Version:         inst.Version,
		Timestamp:       inst.UpdatedAt,
	}
	switch topic {
	case schema.EventWorkflowCompleted:
		ev.Result = schema.DeepCopy(inst.Result)
	case schema.EventWorkflowCancelled:
		ev.Reason = inst.CancelReason
	}
	return ev
}

// publish emits committed lifecycle events. The commit already happened, so
// a failing publish is logged and not returned.
func (e *Engine) publish(ctx context.Context, events []schema.LifecycleEvent) {
	if e.bus == nil {
		return
	}
	for _, ev := range events {
		if err := e.bus.Publish(ctx, ev.Type, ev); err != nil {
			e.logger.WarnContext(ctx, "lifecycle event not published",
				slog.String("topic", ev.Type), slog.Any("error", err))
		}
	}
}

// newScope builds the template scope for a hook. instance reflects the
// committed state before the operation.
func newScope(inst *schema.Instance, input map[string]any, name, from, to string) *expressions.Scope {
	s := &expressions.Scope{
		Instance: map[string]any{
			"id":              inst.ID,
			"workflowId":      inst.WorkflowID,
			"workflowVersion": inst.WorkflowVersion,
			"entityId":        inst.EntityID,
			"state":           inst.CurrentState,
			"status":          string(inst.Status),
			"data":            inst.Data,
		},
		Input:      input,
		Transition: map[string]any{"to": to},
	}
	if s.Input == nil {
		s.Input = map[string]any{}
	}
	if name != "" {
		s.Transition["name"] = name
	}
	if from != "" {
		s.Transition["from"] = from
	}
	return s
}
