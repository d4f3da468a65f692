package planner

import (
	"context"
	"fmt"
	"sync"
)

// Step is one scripted planner reply: a response or an error.
type Step struct {
	Response *Response
	Err      error
}

// Scripted replays a fixed sequence of replies and records every request.
// When the script runs out it keeps returning the last step.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []Request
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Plan(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("%w: empty script", ErrPlanningFailed)
	}
	step := s.steps[min(s.next, len(s.steps)-1)]
	s.next++
	if step.Err != nil {
		return nil, step.Err
	}
	cp := *step.Response
	return &cp, nil
}

// Calls returns how many times Plan was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of the recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
