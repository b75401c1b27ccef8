package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/statum/internal/diagram"
	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/pkg/schema"
)

type definitionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description,omitempty"`
	States      int    `json:"states"`
	Transitions int    `json:"transitions"`
	Triggers    int    `json:"triggers"`
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	compiled := s.deps.Definitions.Definitions()
	out := make([]definitionSummary, 0, len(compiled))
	for _, c := range compiled {
		out = append(out, definitionSummary{
			ID:          c.Def.ID,
			Name:        c.Def.Name,
			Version:     c.Def.Version,
			Description: c.Def.Description,
			States:      len(c.Def.States),
			Transitions: len(c.Def.Transitions),
			Triggers:    len(c.Def.Triggers),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": out, "count": len(out)})
}

// lookupDefinition resolves {id} with an optional ?version.
func (s *Server) lookupDefinition(r *http.Request) (*registry.Compiled, error) {
	id := r.PathValue("id")
	if v := queryInt(r, "version", 0); v > 0 {
		return s.deps.Definitions.DefinitionVersion(id, v)
	}
	return s.deps.Definitions.Definition(id)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	c, err := s.lookupDefinition(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definition": c.Def, "retired": c.Retired})
}

func (s *Server) handleDefine(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	def, err := registry.ParseDefinition(raw)
	if err != nil {
		writeFailure(w, err)
		return
	}

	result, err := s.deps.Definitions.Define(r.Context(), def)
	if err != nil {
		writeFailure(w, err)
		return
	}
	warnings := []schema.ValidationIssue{}
	if result != nil && result.Warnings != nil {
		warnings = result.Warnings
	}
	s.deps.Logger.Info("definition registered via panel", "workflow_id", def.ID, "version", def.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"workflowId": def.ID,
		"version":    def.Version,
		"warnings":   warnings,
	})
}

func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	c, err := s.lookupDefinition(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.renderDiagram(w, r, c.Def, nil)
}

func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	c, err := s.deps.Definitions.DefinitionVersion(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		writeFailure(w, err)
		return
	}
	s.renderDiagram(w, r, c.Def, inst)
}

// renderDiagram writes the diagram in the ?format requested (mermaid by default).
func (s *Server) renderDiagram(w http.ResponseWriter, r *http.Request, def *schema.WorkflowDefinition, inst *schema.Instance) {
	model, err := diagram.Build(def, inst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("diagram build failed: %v", err))
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "svg", "png":
		img, err := diagram.RenderImage(r.Context(), model, diagram.ImageFormat(format))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("image render failed: %v", err))
			return
		}
		if format == "svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid, ascii, svg, or png")
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID string         `json:"workflowId"`
		EntityID   string         `json:"entityId"`
		Data       map[string]any `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.WorkflowID == "" || body.EntityID == "" {
		writeError(w, http.StatusBadRequest, "workflowId and entityId are required")
		return
	}

	inst, err := s.deps.Workflows.Start(r.Context(), body.WorkflowID, body.EntityID, body.Data)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	inst, err := s.deps.Workflows.Transition(r.Context(), r.PathValue("id"), r.PathValue("name"), body.Data)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result any `json:"result"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	inst, err := s.deps.Workflows.Complete(r.Context(), r.PathValue("id"), body.Result)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	inst, err := s.deps.Workflows.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListForEntity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schema.InstanceFilter{
		WorkflowID: q.Get("workflowId"),
		Limit:      queryInt(r, "limit", 0),
		Offset:     queryInt(r, "offset", 0),
	}
	if status := q.Get("status"); status != "" {
		st := schema.InstanceStatus(status)
		filter.Status = &st
	}

	instances, err := s.deps.Workflows.ListForEntity(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if instances == nil {
		instances = []*schema.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances, "count": len(instances)})
}

type jobView struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflowId"`
	WorkflowVersion int        `json:"workflowVersion"`
	Cron            string     `json:"cron"`
	EntityID        string     `json:"entityId"`
	NextRunAt       time.Time  `json:"nextRunAt"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus   string     `json:"lastRunStatus,omitempty"`
	LastInstanceID  string     `json:"lastInstanceId,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []jobView{}, "count": 0})
		return
	}
	jobs := s.deps.Jobs.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			ID:              j.ID,
			WorkflowID:      j.WorkflowID,
			WorkflowVersion: j.WorkflowVersion,
			Cron:            j.Cron,
			EntityID:        j.EntityID,
			NextRunAt:       j.NextRunAt,
			LastRunAt:       j.LastRunAt,
			LastRunStatus:   j.LastRunStatus,
			LastInstanceID:  j.LastInstanceID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}
