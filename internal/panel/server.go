package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/internal/scheduler"
	"github.com/rendis/statum/pkg/schema"
)

// Workflows is the instance API behind the panel. Satisfied by *engine.Engine.
type Workflows interface {
	Start(ctx context.Context, workflowID, entityID string, data map[string]any) (*schema.Instance, error)
	Transition(ctx context.Context, instanceID, transitionName string, input map[string]any) (*schema.Instance, error)
	Complete(ctx context.Context, instanceID string, result any) (*schema.Instance, error)
	Cancel(ctx context.Context, instanceID, reason string) (*schema.Instance, error)
	Get(ctx context.Context, instanceID string) (*schema.Instance, error)
	ListForEntity(ctx context.Context, entityID string, filter schema.InstanceFilter) ([]*schema.Instance, error)
}

// Definitions is the registry API behind the panel. Satisfied by *registry.Registry.
type Definitions interface {
	Definition(workflowID string) (*registry.Compiled, error)
	DefinitionVersion(workflowID string, version int) (*registry.Compiled, error)
	Definitions() []*registry.Compiled
	Define(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error)
}

// Jobs lists cron trigger state. Satisfied by *scheduler.Scheduler.
type Jobs interface {
	Jobs() []scheduler.Job
}

// Deps holds the dependencies for the panel server.
type Deps struct {
	Workflows   Workflows
	Definitions Definitions
	Jobs        Jobs         // optional
	Bus         eventbus.Bus // optional, enables the SSE streams
	Logger      *slog.Logger
}

// Server serves the operator HTTP API and lifecycle event streams.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Definitions.
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("POST /api/definitions", s.handleDefine)
	mux.HandleFunc("GET /api/definitions/{id}", s.handleGetDefinition)
	mux.HandleFunc("GET /api/definitions/{id}/diagram", s.handleDiagram)

	// Instances.
	mux.HandleFunc("POST /api/instances", s.handleStart)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/diagram", s.handleInstanceDiagram)
	mux.HandleFunc("POST /api/instances/{id}/transitions/{name}", s.handleTransition)
	mux.HandleFunc("POST /api/instances/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/entities/{id}/instances", s.handleListForEntity)

	// Scheduler.
	mux.HandleFunc("GET /api/scheduler", s.handleJobs)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSEInstance)

	return mux
}
