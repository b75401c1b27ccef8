package store

import (
	"context"

	"github.com/rendis/statum/pkg/schema"
)

// Store is the persistence adapter for definitions and instances.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	LoadActiveDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeactivateDefinition(ctx context.Context, id string, version int) error

	// Instances
	//
	// UpsertInstance inserts when inst.Version is 0 and otherwise updates only
	// when the stored version equals inst.Version. On success inst.Version holds
	// the new token. A mismatch returns CONCURRENT_MODIFICATION.
	UpsertInstance(ctx context.Context, inst *schema.Instance) error
	LoadInstance(ctx context.Context, id string) (*schema.Instance, error)
	QueryInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.Instance, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}

func versionConflict(id string, expected int64) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConcurrentModification,
		"instance %q was modified concurrently (expected version %d)", id, expected).
		WithDetails(map[string]any{"instance_id": id, "expected_version": expected})
}
