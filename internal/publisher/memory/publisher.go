// Package memory keeps backfill notifications in-process. It backs local runs
// that set a topic without a Pub/Sub project.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/ipfs-backfill/internal/backfill"
)

// ErrUnsupportedPayload is returned for payloads that are not notifications.
var ErrUnsupportedPayload = errors.New("memory publisher: payload is not a backfill.Notification")

// Event is one accepted notification.
type Event struct {
	ID    string
	Topic string
	backfill.Notification
}

// Publisher records notifications grouped by pipeline.
type Publisher struct {
	mu         sync.RWMutex
	events     []Event
	byPipeline map[string][]int
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{byPipeline: make(map[string][]int)}
}

// Publish records a backfill.Notification (value or pointer) under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("memory publisher: topic is required")
	}
	var note backfill.Notification
	switch v := payload.(type) {
	case backfill.Notification:
		note = v
	case *backfill.Notification:
		if v == nil {
			return "", ErrUnsupportedPayload
		}
		note = *v
	default:
		return "", fmt.Errorf("%w: got %T", ErrUnsupportedPayload, payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("%s-%d-%d", note.Pipeline, note.OwnerID, len(p.events)+1)
	p.byPipeline[note.Pipeline] = append(p.byPipeline[note.Pipeline], len(p.events))
	p.events = append(p.events, Event{ID: id, Topic: topic, Notification: note})
	return id, nil
}

// Events returns every recorded notification in publish order.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Event(nil), p.events...)
}

// Notifications returns the notifications one pipeline published.
func (p *Publisher) Notifications(pipeline string) []backfill.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx := p.byPipeline[pipeline]
	out := make([]backfill.Notification, 0, len(idx))
	for _, i := range idx {
		out = append(out, p.events[i].Notification)
	}
	return out
}

// Counts returns the number of notifications per pipeline.
func (p *Publisher) Counts() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int, len(p.byPipeline))
	for name, idx := range p.byPipeline {
		out[name] = len(idx)
	}
	return out
}
