package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/internal/store"
	"github.com/rendis/statum/pkg/schema"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Loader reads instances from the persistence adapter.
type Loader interface {
	LoadInstance(ctx context.Context, id string) (*schema.Instance, error)
}

// Archiver copies terminal instances into a blob bucket as they complete or
// are cancelled. Objects are keyed <prefix>/<workflowId>/<instanceId>.json and
// overwritten on redelivery.
type Archiver struct {
	bucket *blob.Bucket
	prefix string
	loader Loader
	logger *slog.Logger

	mu      sync.Mutex
	cancels []func()
}

// Open opens bucketURL (mem://, file:///path, s3://bucket?region=...) and
// returns an Archiver that owns it.
func Open(ctx context.Context, bucketURL, prefix string, loader Loader, logger *slog.Logger) (*Archiver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket: %w", err)
	}
	return New(bucket, prefix, loader, logger), nil
}

// New wraps an already open bucket.
func New(bucket *blob.Bucket, prefix string, loader Loader, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		loader: loader,
		logger: logger,
	}
}

// Key returns the object key of an archived instance.
func (a *Archiver) Key(workflowID, instanceID string) string {
	key := workflowID + "/" + instanceID + ".json"
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Start subscribes to the terminal lifecycle topics.
func (a *Archiver) Start(ctx context.Context, bus eventbus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, topic := range []string{schema.EventWorkflowCompleted, schema.EventWorkflowCancelled} {
		cancel, err := bus.Subscribe(ctx, topic, a.receive)
		if err != nil {
			for _, c := range a.cancels {
				c()
			}
			a.cancels = nil
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		a.cancels = append(a.cancels, cancel)
	}
	a.logger.Info("archiver started", slog.String("prefix", a.prefix))
	return nil
}

// Stop cancels the subscriptions.
func (a *Archiver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.cancels {
		c()
	}
	a.cancels = nil
}

func (a *Archiver) receive(ctx context.Context, msg eventbus.Message) {
	var evt schema.LifecycleEvent
	if err := msg.Decode(&evt); err != nil {
		a.logger.Error("archiver: malformed lifecycle event",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := a.Archive(ctx, evt.InstanceID); err != nil {
		a.logger.Error("archiver: archive failed",
			slog.String("instance_id", evt.InstanceID),
			slog.String("error", err.Error()),
		)
	}
}

// Archive loads instanceID and writes its persistence record. Instances that
// are still active are skipped.
func (a *Archiver) Archive(ctx context.Context, instanceID string) error {
	inst, err := a.loader.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !inst.Status.Terminal() {
		a.logger.Warn("archiver: instance not terminal, skipping",
			slog.String("instance_id", inst.ID),
			slog.String("status", string(inst.Status)),
		)
		return nil
	}

	rec, err := store.EncodeInstance(inst)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := a.Key(inst.WorkflowID, inst.ID)
	if err := a.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	a.logger.Debug("instance archived", slog.String("instance_id", inst.ID), slog.String("key", key))
	return nil
}

// Get reads an archived instance back. A missing object returns NOT_FOUND.
func (a *Archiver) Get(ctx context.Context, workflowID, instanceID string) (*schema.Instance, error) {
	key := a.Key(workflowID, instanceID)
	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "archived instance %q not found", instanceID).
				WithDetails(map[string]any{"workflow_id": workflowID, "instance_id": instanceID})
		}
		return nil, err
	}

	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return store.DecodeInstance(&rec)
}

// Close stops the subscriptions and closes the bucket.
func (a *Archiver) Close() error {
	a.Stop()
	return a.bucket.Close()
}
