package actions

import (
	"context"
	"sync"

	"github.com/rendis/statum/internal/expressions"
)

type published struct {
	Topic   string
	Payload any
}

// fakePublisher records every Publish call.
type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{Topic: topic, Payload: payload})
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func testScope() *expressions.Scope {
	return &expressions.Scope{
		Instance: map[string]any{
			"id":         "inst-1",
			"workflowId": "order",
			"entityId":   "order-42",
			"state":      "review",
			"data":       map[string]any{"amount": float64(99)},
		},
		Input:      map[string]any{"approved": true},
		Transition: map[string]any{"name": "approve", "from": "review", "to": "approved"},
	}
}
