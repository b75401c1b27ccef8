// Package registry loads, validates and caches immutable workflow definitions.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/statum/internal/store"
	"github.com/rendis/statum/internal/validation"
	"github.com/rendis/statum/pkg/schema"
)

// Rejection describes a definition that failed to load.
type Rejection struct {
	Source     string `json:"source,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
	Version    int    `json:"version,omitempty"`
	Err        error  `json:"-"`
}

// Report summarizes one load.
type Report struct {
	Loaded   []string                 `json:"loaded"`
	Retired  []string                 `json:"retired,omitempty"`
	Rejected []Rejection              `json:"rejected,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func (r *Report) merge(other *Report) {
	if other == nil {
		return
	}
	r.Loaded = append(r.Loaded, other.Loaded...)
	r.Retired = append(r.Retired, other.Retired...)
	r.Rejected = append(r.Rejected, other.Rejected...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

type snapshot struct {
	versions map[string]map[int]*Compiled
	latest   map[string]*Compiled
}

func emptySnapshot() *snapshot {
	return &snapshot{
		versions: make(map[string]map[int]*Compiled),
		latest:   make(map[string]*Compiled),
	}
}

func (s *snapshot) put(c *Compiled) {
	vs, ok := s.versions[c.Def.ID]
	if !ok {
		vs = make(map[int]*Compiled)
		s.versions[c.Def.ID] = vs
	}
	vs[c.Def.Version] = c
}

func (s *snapshot) lookup(id string, version int) (*Compiled, bool) {
	c, ok := s.versions[id][version]
	return c, ok
}

// Registry serves definitions from an immutable snapshot swapped atomically
// on every load. Readers never block.
type Registry struct {
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger

	snap   atomic.Pointer[snapshot]
	loadMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func()
}

// New creates an empty Registry. Call Load to populate it.
func New(st store.Store, validator *validation.WorkflowValidator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: st, validator: validator, logger: logger}
	r.snap.Store(emptySnapshot())
	return r
}

// OnReload registers fn to run after every successful load.
func (r *Registry) OnReload(fn func()) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Load fetches the active definitions from the store, validates and compiles
// each one and swaps in the new snapshot. Invalid definitions are reported
// and skipped. Versions present before but absent now are kept as retired.
func (r *Registry) Load(ctx context.Context) (*Report, error) {
	r.loadMu.Lock()
	report, err := r.loadLocked(ctx)
	r.loadMu.Unlock()
	if err != nil {
		return nil, err
	}

	r.hooksMu.RLock()
	hooks := append([]func(){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return report, nil
}

func (r *Registry) loadLocked(ctx context.Context) (*Report, error) {
	defs, err := r.store.LoadActiveDefinitions(ctx)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "failed to load definitions").WithCause(err)
	}

	report := &Report{}
	next := emptySnapshot()
	for _, def := range defs {
		c, warnings, err := r.prepare(def)
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{WorkflowID: def.ID, Version: def.Version, Err: err})
			r.logger.WarnContext(ctx, "definition rejected",
				slog.String("workflow_id", def.ID), slog.Int("version", def.Version), slog.Any("error", err))
			continue
		}
		report.Warnings = append(report.Warnings, warnings...)
		next.put(c)
		report.Loaded = append(report.Loaded, c.Ref())
	}

	prev := r.snap.Load()
	for id, vs := range prev.versions {
		for v, c := range vs {
			if _, ok := next.lookup(id, v); ok {
				continue
			}
			retired := *c
			retired.Retired = true
			next.put(&retired)
			if !c.Retired {
				report.Retired = append(report.Retired, c.Ref())
			}
		}
	}

	for id, vs := range next.versions {
		for _, c := range vs {
			if c.Retired {
				continue
			}
			if cur, ok := next.latest[id]; !ok || c.Def.Version > cur.Def.Version {
				next.latest[id] = c
			}
		}
	}

	r.snap.Store(next)
	sort.Strings(report.Loaded)
	sort.Strings(report.Retired)
	r.logger.InfoContext(ctx, "definitions loaded",
		slog.Int("loaded", len(report.Loaded)),
		slog.Int("rejected", len(report.Rejected)),
		slog.Int("retired", len(report.Retired)))
	return report, nil
}

// prepare validates and compiles def.
func (r *Registry) prepare(def *schema.WorkflowDefinition) (*Compiled, []schema.ValidationIssue, error) {
	result := r.validator.Validate(def)
	if err := result.ToError(schema.ErrCodeDefinitionInvalid); err != nil {
		return nil, nil, err
	}
	c, err := compile(def)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeDefinitionInvalid, err.Error()).WithCause(err)
	}
	return c, result.Warnings, nil
}

// Definition returns the latest startable version of workflowID.
func (r *Registry) Definition(workflowID string) (*Compiled, error) {
	c, ok := r.snap.Load().latest[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "workflow definition %q not found", workflowID).
			WithDetails(map[string]any{"workflow_id": workflowID})
	}
	return c, nil
}

// DefinitionVersion returns a specific version, retired or not.
func (r *Registry) DefinitionVersion(workflowID string, version int) (*Compiled, error) {
	c, ok := r.snap.Load().lookup(workflowID, version)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
			"workflow definition %q version %d not found", workflowID, version).
			WithDetails(map[string]any{"workflow_id": workflowID, "version": version})
	}
	return c, nil
}

// Definitions returns the latest startable version of every workflow, sorted by ID.
func (r *Registry) Definitions() []*Compiled {
	snap := r.snap.Load()
	out := make([]*Compiled, 0, len(snap.latest))
	for _, c := range snap.latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.ID < out[j].Def.ID })
	return out
}

// Define validates def, persists it and reloads. A loaded id@version is
// immutable: redefining it with different content returns CONFLICT.
func (r *Registry) Define(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	result, err := r.save(ctx, def)
	if err != nil {
		return result, err
	}
	if _, err := r.Load(ctx); err != nil {
		return result, err
	}
	if _, err := r.DefinitionVersion(def.ID, def.Version); err != nil {
		return result, schema.NewErrorf(schema.ErrCodeDefinitionInvalid,
			"workflow definition %s@%d was saved but did not load", def.ID, def.Version).WithCause(err)
	}
	return result, nil
}

func (r *Registry) save(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	result := r.validator.Validate(def)
	if err := result.ToError(schema.ErrCodeDefinitionInvalid); err != nil {
		return result, err
	}
	if existing, ok := r.snap.Load().lookup(def.ID, def.Version); ok && !sameDefinition(existing.Def, def) {
		return result, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow definition %s@%d already exists with different content; bump the version", def.ID, def.Version).
			WithDetails(map[string]any{"workflow_id": def.ID, "version": def.Version})
	}
	if err := r.store.SaveDefinition(ctx, def); err != nil {
		return result, schema.NewError(schema.ErrCodePersistence, "failed to save definition").WithCause(err)
	}
	return result, nil
}

func sameDefinition(a, b *schema.WorkflowDefinition) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Deactivate marks id@version inactive and reloads. Instances pinned to it
// keep resolving it as retired.
func (r *Registry) Deactivate(ctx context.Context, workflowID string, version int) error {
	if err := r.store.DeactivateDefinition(ctx, workflowID, version); err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return schema.NewErrorf(schema.ErrCodeDefinitionNotFound,
				"workflow definition %s@%d not found", workflowID, version).WithCause(err)
		}
		return schema.NewError(schema.ErrCodePersistence, fmt.Sprintf("failed to deactivate %s@%d", workflowID, version)).WithCause(err)
	}
	_, err := r.Load(ctx)
	return err
}
