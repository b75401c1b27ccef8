package schema

import "time"

// InstanceStatus represents the lifecycle state of an instance.
type InstanceStatus string

const (
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further transitions are legal.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusCancelled
}

// Instance is one running or terminated execution of a workflow definition.
type Instance struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflowId"`
	WorkflowVersion int            `json:"workflowVersion"`
	EntityID        string         `json:"entityId"`
	CurrentState    string         `json:"currentState"`
	Data            map[string]any `json:"data"`
	History         []HistoryEntry `json:"history"`
	Status          InstanceStatus `json:"status"`
	Result          any            `json:"result,omitempty"`
	CancelReason    string         `json:"cancelReason,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	CancelledAt     *time.Time     `json:"cancelledAt,omitempty"`

	// Version is the optimistic-concurrency token. Zero means never persisted.
	Version int64 `json:"version"`
}

// HistoryEntry records one state the instance has occupied.
type HistoryEntry struct {
	State          string           `json:"state"`
	TransitionName string           `json:"transitionName,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	DataSnapshot   map[string]any   `json:"dataSnapshot"`
	Metadata       *HistoryMetadata `json:"metadata,omitempty"`
}

// HistoryMetadata carries continue-policy action failures recorded during a commit.
type HistoryMetadata struct {
	ActionFailures []ActionFailure `json:"actionFailures,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the engine.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Data = DeepCopyMap(i.Data)
	cp.Result = DeepCopy(i.Result)
	if i.History != nil {
		cp.History = make([]HistoryEntry, len(i.History))
		for n, h := range i.History {
			cp.History[n] = h.clone()
		}
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	if i.CancelledAt != nil {
		t := *i.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

func (h HistoryEntry) clone() HistoryEntry {
	cp := h
	cp.DataSnapshot = DeepCopyMap(h.DataSnapshot)
	if h.Metadata != nil {
		md := HistoryMetadata{}
		if h.Metadata.ActionFailures != nil {
			md.ActionFailures = append([]ActionFailure(nil), h.Metadata.ActionFailures...)
		}
		cp.Metadata = &md
	}
	return cp
}

// InstanceFilter narrows instance queries. Results are ordered by createdAt descending.
type InstanceFilter struct {
	EntityID   string          `json:"entityId,omitempty"`
	WorkflowID string          `json:"workflowId,omitempty"`
	Status     *InstanceStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}
