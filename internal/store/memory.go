package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/statum/pkg/schema"
)

// MemoryStore implements Store in process memory. Instances are kept as
// encoded records, so reads never alias engine state and behave like a real
// database round trip.
type MemoryStore struct {
	mu        sync.RWMutex
	defs      map[defKey]*memDefinition
	instances map[string]*Record
	closed    bool
}

type defKey struct {
	id      string
	version int
}

type memDefinition struct {
	raw    []byte
	active bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:      make(map[defKey]*memDefinition),
		instances: make(map[string]*Record),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return schema.NewError(schema.ErrCodePersistence, "memory store is closed")
	}
	return nil
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.defs[defKey{def.ID, def.Version}] = &memDefinition{raw: raw, active: true}
	return nil
}

func (s *MemoryStore) LoadActiveDefinitions(context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	keys := make([]defKey, 0, len(s.defs))
	for k, d := range s.defs {
		if d.active {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].id != keys[j].id {
			return keys[i].id < keys[j].id
		}
		return keys[i].version < keys[j].version
	})

	defs := make([]*schema.WorkflowDefinition, 0, len(keys))
	for _, k := range keys {
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal(s.defs[k].raw, def); err != nil {
			return nil, fmt.Errorf("unmarshal definition %s@%d: %w", k.id, k.version, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *MemoryStore) DeactivateDefinition(_ context.Context, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	d, ok := s.defs[defKey{id, version}]
	if !ok {
		return storeNotFound("definition", fmt.Sprintf("%s@%d", id, version))
	}
	d.active = false
	return nil
}

func (s *MemoryStore) UpsertInstance(_ context.Context, inst *schema.Instance) error {
	expected := inst.Version
	rec, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	rec.Version = expected + 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cur, exists := s.instances[inst.ID]
	switch {
	case expected == 0 && exists:
		return versionConflict(inst.ID, expected)
	case expected != 0 && (!exists || cur.Version != expected):
		return versionConflict(inst.ID, expected)
	}
	s.instances[inst.ID] = rec
	inst.Version = rec.Version
	return nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, id string) (*schema.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return DecodeInstance(rec)
}

func (s *MemoryStore) QueryInstances(_ context.Context, filter schema.InstanceFilter) ([]*schema.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var matched []*Record
	for _, rec := range s.instances {
		if filter.EntityID != "" && rec.EntityID != filter.EntityID {
			continue
		}
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && rec.Status != string(*filter.Status) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID > matched[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*schema.Instance, 0, len(matched))
	for _, rec := range matched {
		inst, err := DecodeInstance(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
