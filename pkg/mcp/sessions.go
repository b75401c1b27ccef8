package mcp

import (
	"sort"
	"sync"
)

// Watchers maps instance IDs to the MCP sessions that asked for lifecycle
// notifications about them.
type Watchers struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // instanceID → sessionIDs
}

// NewWatchers creates an empty Watchers.
func NewWatchers() *Watchers {
	return &Watchers{sessions: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to instanceID. Repeated calls are no-ops.
func (w *Watchers) Watch(instanceID, sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.sessions[instanceID]
	if !ok {
		set = make(map[string]struct{})
		w.sessions[instanceID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching instanceID, sorted.
func (w *Watchers) SessionsFor(instanceID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	set := w.sessions[instanceID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Forget drops every watch on instanceID.
func (w *Watchers) Forget(instanceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, instanceID)
}

// Remove deletes sessionID from every instance it watches.
// Called when a session disconnects.
func (w *Watchers) Remove(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for iid, set := range w.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(w.sessions, iid)
		}
	}
}
