package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/pkg/schema"
)

const exampleDefinitions = "../../examples/definitions"

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(dir, "statum.db")
	cfg.DefinitionsDir = exampleDefinitions
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))
	cfg.ArchiveURL = "file://" + archiveDir
	cfg.CommandWorkers = 2
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// topicRecorder collects payloads published on a bus pattern.
type topicRecorder struct {
	mu   sync.Mutex
	msgs []eventbus.Message
}

func (r *topicRecorder) handle(_ context.Context, msg eventbus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *topicRecorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Topic)
	}
	return out
}

func (r *topicRecorder) message(i int) eventbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[i]
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestApp_ExampleDefinitionsLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(t), quietLogger())
	require.NoError(t, err)
	defer a.close()

	defs := a.registry.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "nightly-reconciliation", defs[0].Def.ID)
	assert.Equal(t, "order-fulfillment", defs[1].Def.ID)

	jobs := a.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "30 2 * * *", jobs[0].Cron)
	assert.Equal(t, "ledger-main", jobs[0].EntityID)
}

func TestApp_OrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(t), quietLogger())
	require.NoError(t, err)
	defer a.close()

	rec := &topicRecorder{}
	unsub, err := a.bus.Subscribe(ctx, "order.*", rec.handle)
	require.NoError(t, err)
	defer unsub()

	_, err = a.engine.Start(ctx, "order-fulfillment", "order-1", map[string]any{"currency": "EUR"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err), "total is required by the data schema")

	inst, err := a.engine.Start(ctx, "order-fulfillment", "order-1", map[string]any{"total": 80.0})
	require.NoError(t, err)
	assert.Equal(t, "placed", inst.CurrentState)

	_, err = a.engine.Transition(ctx, inst.ID, "pay", map[string]any{"amount": 50.0})
	assert.Equal(t, schema.ErrCodeConditionNotMet, schema.CodeOf(err))

	_, err = a.engine.Transition(ctx, inst.ID, "pay", map[string]any{"amount": 80.0})
	require.NoError(t, err)
	_, err = a.engine.Transition(ctx, inst.ID, "ship", map[string]any{"carrier": "dhl"})
	require.NoError(t, err)
	done, err := a.engine.Transition(ctx, inst.ID, "deliver", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, done.Status)
	assert.Len(t, done.History, 4)

	require.Eventually(t, func() bool {
		return len(rec.topics()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"order.paid", "order.shipped"}, rec.topics())

	var shipped map[string]any
	require.NoError(t, rec.message(1).Decode(&shipped))
	assert.Equal(t, "order-1", shipped["orderId"])
	assert.Equal(t, "dhl", shipped["carrier"])

	// Finished instances land in the archive bucket.
	require.Eventually(t, func() bool {
		got, err := a.archive.Get(ctx, "order-fulfillment", inst.ID)
		return err == nil && got.Status == schema.InstanceStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_BusCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig(t), quietLogger())
	require.NoError(t, err)
	defer a.close()

	rejected := &topicRecorder{}
	unsub, err := a.bus.Subscribe(ctx, schema.EventCommandRejected, rejected.handle)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, a.bus.Publish(ctx, schema.CommandStart, schema.Command{
		ID: "cmd-1", WorkflowID: "nightly-reconciliation", EntityID: "ledger-eu",
	}))
	require.Eventually(t, func() bool {
		list, err := a.engine.ListForEntity(ctx, "ledger-eu", schema.InstanceFilter{})
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.bus.Publish(ctx, schema.CommandTransition, schema.Command{
		ID: "cmd-2", InstanceID: "missing", Transition: "begin",
	}))
	require.Eventually(t, func() bool {
		return len(rejected.topics()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_PanelAndRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, quietLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(a.panel.Handler())
	resp, err := http.Post(srv.URL+"/api/instances", "application/json",
		jsonBody(t, map[string]any{"workflowId": "nightly-reconciliation", "entityId": "ledger-main"}))
	require.NoError(t, err)
	var inst schema.Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/instances/"+inst.ID+"/transitions/begin", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	srv.Close()
	a.close()

	// Definitions and instances survive a restart without the files.
	cfg.DefinitionsDir = ""
	b, err := newApp(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer b.close()

	assert.Len(t, b.registry.Definitions(), 2)
	got, err := b.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "matching", got.CurrentState)

	settled, err := b.engine.Transition(ctx, inst.ID, "settle", map[string]any{"unmatched": 0})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, settled.Status)
}

func TestNewApp_BadArchiveURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveURL = "nosuch://bucket"
	_, err := newApp(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestExampleDefinitionsValidate(t *testing.T) {
	files, err := filepath.Glob(filepath.Join(exampleDefinitions, "*.yaml"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	var out, errOut bytes.Buffer
	code := runValidate(append([]string{"-strict"}, files...), &out, &errOut)
	assert.Equal(t, 0, code, out.String()+errOut.String())
}
