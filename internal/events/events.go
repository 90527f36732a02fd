// Package events carries request lifecycle events to stream subscribers.
package events

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	TypeCreated        Type = "request.created"
	TypeStageCompleted Type = "stage.completed"
	TypeErrorRecorded  Type = "error.recorded"
	TypeSuspended      Type = "workflow.suspended"
	TypeAnswered       Type = "hil.answered"
	TypeEscalated      Type = "hil.escalated"
	TypeTicketSynced   Type = "ticket.synced"
	TypeTerminated     Type = "workflow.terminated"
	TypeCancelled      Type = "workflow.cancelled"
)

// Final reports whether no event follows this one for the request.
func (t Type) Final() bool {
	return t == TypeTerminated || t == TypeCancelled
}

// Event is one entry of a request's event stream.
type Event struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"requestId"`
	Type           Type              `json:"type"`
	Stage          string            `json:"stage,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	WorkflowStatus string            `json:"workflowStatus,omitempty"`
	RequestStatus  string            `json:"requestStatus,omitempty"`
	Version        int64             `json:"version"`
	Data           map[string]string `json:"data,omitempty"`
	At             time.Time         `json:"at"`
}

// Bus publishes events and replays them per request.
type Bus interface {
	Publish(ctx context.Context, ev Event) (Event, error)
	// History returns events after afterID ("" for all), oldest first.
	History(ctx context.Context, requestID, afterID string) ([]Event, error)
	// Subscribe delivers events published after afterID until ctx is done.
	Subscribe(ctx context.Context, requestID, afterID string) (<-chan Event, error)
}

// MemoryBus keeps events in process. IDs are per-request sequence numbers.
type MemoryBus struct {
	mu     sync.Mutex
	events map[string][]Event
	subs   map[string]map[chan Event]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		events: map[string][]Event{},
		subs:   map[string]map[chan Event]struct{}{},
	}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.ID = strconv.Itoa(len(b.events[ev.RequestID]) + 1)
	b.events[ev.RequestID] = append(b.events[ev.RequestID], ev)
	for ch := range b.subs[ev.RequestID] {
		select {
		case ch <- ev:
		default:
			log.Printf(`{"level":"warn","msg":"event subscriber lagging","request_id":%q,"event_id":%q}`, ev.RequestID, ev.ID)
		}
	}
	return ev, nil
}

func (b *MemoryBus) History(_ context.Context, requestID, afterID string) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return after(b.events[requestID], afterID), nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, requestID, afterID string) (<-chan Event, error) {
	b.mu.Lock()
	var backlog []Event
	if afterID != "" {
		backlog = after(b.events[requestID], afterID)
	}
	ch := make(chan Event, len(backlog)+64)
	for _, ev := range backlog {
		ch <- ev
	}
	if b.subs[requestID] == nil {
		b.subs[requestID] = map[chan Event]struct{}{}
	}
	b.subs[requestID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[requestID], ch)
		if len(b.subs[requestID]) == 0 {
			delete(b.subs, requestID)
		}
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func after(all []Event, afterID string) []Event {
	if afterID == "" {
		return append([]Event(nil), all...)
	}
	for i, ev := range all {
		if ev.ID == afterID {
			return append([]Event(nil), all[i+1:]...)
		}
	}
	return append([]Event(nil), all...)
}
