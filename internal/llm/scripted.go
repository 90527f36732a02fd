package llm

import (
	"context"
	"fmt"
	"sync"
)

// Reply is one scripted model response.
type Reply struct {
	Text string
	Err  error
}

// Scripted replays queued replies per role. It records every request it sees.
type Scripted struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	requests []Request
}

func NewScripted() *Scripted {
	return &Scripted{replies: map[string][]Reply{}}
}

// Push queues replies for role.
func (s *Scripted) Push(role string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[role] = append(s.replies[role], replies...)
	return s
}

// PushText queues plain text replies for role.
func (s *Scripted) PushText(role string, texts ...string) *Scripted {
	for _, t := range texts {
		s.Push(role, Reply{Text: t})
	}
	return s
}

func (s *Scripted) Call(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	queue := s.replies[req.Role]
	if len(queue) == 0 {
		return "", &ProviderError{Role: req.Role, Model: req.Model, Attempts: 1, Err: fmt.Errorf("no scripted reply for %s", req.Role)}
	}
	next := queue[0]
	s.replies[req.Role] = queue[1:]
	return next.Text, next.Err
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls counts requests made for role.
func (s *Scripted) Calls(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Role == role {
			n++
		}
	}
	return n
}
