package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/statum/pkg/schema"
)

// timeLayout is fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is the persisted form of an instance. Data, History and Result are
// JSON blobs; timestamps are UTC text.
type Record struct {
	ID              string  `json:"id"`
	WorkflowID      string  `json:"workflowId"`
	WorkflowVersion int     `json:"workflowVersion"`
	EntityID        string  `json:"entityId"`
	CurrentState    string  `json:"currentState"`
	Status          string  `json:"status"`
	Data            string  `json:"data"`
	History         string  `json:"history"`
	Result          *string `json:"result,omitempty"`
	CancelReason    string  `json:"cancelReason,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
	CompletedAt     *string `json:"completedAt,omitempty"`
	CancelledAt     *string `json:"cancelledAt,omitempty"`
	Version         int64   `json:"version"`
}

// EncodeInstance converts an instance into its persistence record. CreatedAt
// and UpdatedAt must be set.
func EncodeInstance(inst *schema.Instance) (*Record, error) {
	if inst.CreatedAt.IsZero() || inst.UpdatedAt.IsZero() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"instance %s has no createdAt/updatedAt timestamp", inst.ID).
			WithDetails(map[string]any{"instance_id": inst.ID})
	}
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	history, err := json.Marshal(inst.History)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	rec := &Record{
		ID:              inst.ID,
		WorkflowID:      inst.WorkflowID,
		WorkflowVersion: inst.WorkflowVersion,
		EntityID:        inst.EntityID,
		CurrentState:    inst.CurrentState,
		Status:          string(inst.Status),
		Data:            string(data),
		History:         string(history),
		CancelReason:    inst.CancelReason,
		CreatedAt:       formatTime(inst.CreatedAt),
		UpdatedAt:       formatTime(inst.UpdatedAt),
		CompletedAt:     formatTimePtr(inst.CompletedAt),
		CancelledAt:     formatTimePtr(inst.CancelledAt),
		Version:         inst.Version,
	}
	if inst.Result != nil {
		raw, err := json.Marshal(inst.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		s := string(raw)
		rec.Result = &s
	}
	return rec, nil
}

// DecodeInstance rebuilds an instance from its persistence record. JSON
// numbers in Data, History snapshots and Result decode as float64, the same
// representation guards and data schemas work with, so integers beyond 2^53
// lose precision.
func DecodeInstance(rec *Record) (*schema.Instance, error) {
	inst := &schema.Instance{
		ID:              rec.ID,
		WorkflowID:      rec.WorkflowID,
		WorkflowVersion: rec.WorkflowVersion,
		EntityID:        rec.EntityID,
		CurrentState:    rec.CurrentState,
		Status:          schema.InstanceStatus(rec.Status),
		CancelReason:    rec.CancelReason,
		Version:         rec.Version,
	}
	if err := json.Unmarshal([]byte(rec.Data), &inst.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.History), &inst.History); err != nil {
		return nil, fmt.Errorf("unmarshal history of %s: %w", rec.ID, err)
	}
	if rec.Result != nil {
		if err := json.Unmarshal([]byte(*rec.Result), &inst.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result of %s: %w", rec.ID, err)
		}
	}
	var err error
	if inst.CreatedAt, err = parseTime(rec.CreatedAt); err != nil {
		return nil, err
	}
	if inst.UpdatedAt, err = parseTime(rec.UpdatedAt); err != nil {
		return nil, err
	}
	if inst.CompletedAt, err = parseTimePtr(rec.CompletedAt); err != nil {
		return nil, err
	}
	if inst.CancelledAt, err = parseTimePtr(rec.CancelledAt); err != nil {
		return nil, err
	}
	return inst, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
