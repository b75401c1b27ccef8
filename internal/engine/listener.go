package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/internal/logging"
	"github.com/rendis/statum/pkg/schema"
)

// DefaultCommandWorkers bounds concurrent command handling.
const DefaultCommandWorkers = 8

// CommandListener consumes workflow:command:* topics and applies them to the
// Engine on a bounded worker pool. Failed commands are answered on
// workflow:command:rejected.
type CommandListener struct {
	engine *Engine
	bus    eventbus.Bus
	pool   *WorkerPool
	logger *slog.Logger

	mu      sync.Mutex
	cancels []func()
}

// NewCommandListener creates a listener. workers <= 0 means DefaultCommandWorkers.
func NewCommandListener(e *Engine, bus eventbus.Bus, workers int, logger *slog.Logger) *CommandListener {
	if workers <= 0 {
		workers = DefaultCommandWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandListener{
		engine: e,
		bus:    bus,
		pool:   NewWorkerPool(workers, logger),
		logger: logger,
	}
}

var commandTopics = []string{
	schema.CommandStart,
	schema.CommandTransition,
	schema.CommandComplete,
	schema.CommandCancel,
}

// Start subscribes to every command topic.
func (l *CommandListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, topic := range commandTopics {
		cancel, err := l.bus.Subscribe(ctx, topic, l.receive)
		if err != nil {
			for _, c := range l.cancels {
				c()
			}
			l.cancels = nil
			return err
		}
		l.cancels = append(l.cancels, cancel)
	}
	l.logger.InfoContext(ctx, "command listener started", slog.Int("topics", len(commandTopics)))
	return nil
}

// Stop unsubscribes and waits for in-flight commands.
func (l *CommandListener) Stop() {
	l.mu.Lock()
	cancels := l.cancels
	l.cancels = nil
	l.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	l.pool.Shutdown()
}

// Metrics reports the worker pool counters.
func (l *CommandListener) Metrics() PoolMetrics { return l.pool.Metrics() }

func (l *CommandListener) receive(ctx context.Context, msg eventbus.Message) {
	var cmd schema.Command
	if err := msg.Decode(&cmd); err != nil {
		l.reject(ctx, msg.Topic, cmd, schema.NewError(schema.ErrCodeValidation, "malformed command: "+err.Error()))
		return
	}
	err := l.pool.Submit(ctx, func(ctx context.Context) error {
		err := l.Handle(ctx, msg.Topic, cmd)
		if err != nil {
			l.reject(ctx, msg.Topic, cmd, err)
		}
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.WarnContext(ctx, "command dropped", slog.String("topic", msg.Topic), slog.Any("error", err))
	}
}

// Handle applies one command synchronously.
func (l *CommandListener) Handle(ctx context.Context, topic string, cmd schema.Command) error {
	ctx = logging.WithIDs(ctx, cmd.InstanceID, cmd.WorkflowID)
	var err error
	switch topic {
	case schema.CommandStart:
		_, err = l.engine.Start(ctx, cmd.WorkflowID, cmd.EntityID, cmd.Data)
	case schema.CommandTransition:
		_, err = l.engine.Transition(ctx, cmd.InstanceID, cmd.Transition, cmd.Data)
	case schema.CommandComplete:
		_, err = l.engine.Complete(ctx, cmd.InstanceID, cmd.Result)
	case schema.CommandCancel:
		_, err = l.engine.Cancel(ctx, cmd.InstanceID, cmd.Reason)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown command topic %q", topic)
	}
	return err
}

func (l *CommandListener) reject(ctx context.Context, topic string, cmd schema.Command, err error) {
	code := schema.CodeOf(err)
	msg := err.Error()
	var se *schema.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	l.logger.WarnContext(ctx, "command rejected",
		slog.String("topic", topic), slog.String("command_id", cmd.ID), slog.String("code", code), slog.String("error", msg))

	rej := schema.CommandRejection{
		CommandID:  cmd.ID,
		Topic:      topic,
		InstanceID: cmd.InstanceID,
		Code:       code,
		Message:    msg,
	}
	if pubErr := l.bus.Publish(ctx, schema.EventCommandRejected, rej); pubErr != nil {
		l.logger.WarnContext(ctx, "rejection not published", slog.Any("error", pubErr))
	}
}
