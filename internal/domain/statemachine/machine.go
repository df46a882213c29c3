// Package statemachine provides a typed finite-state machine driven by an
// explicit transition table.
//
// A Machine is built once from a list of Transition records. Every
// (from-state, event) pair may appear at most once; the table is validated
// when the machine is constructed. Transitions run an async-style handler
// that returns the next status, followed by optional success or error hooks.
//
// A Machine is not safe for concurrent use. Callers serialize Transition
// calls per instance.
package statemachine

import (
	"context"
	"fmt"
	"slices"

	"github.com/metering/backend/internal/domain/shared"
)

// Outcome is what a transition handler returns on success: the status the
// machine moves to and the result handed back to the caller.
type Outcome[S comparable, R any] struct {
	Status S
	Result R
}

// Handler executes the work of a transition.
type Handler[S comparable, P any, R any] func(ctx context.Context, payload P) (Outcome[S, R], error)

// Transition describes one edge set of the machine.
type Transition[S comparable, E comparable, P any, R any] struct {
	From         []S
	To           []S
	Event        E
	OnTransition Handler[S, P, R]
	// OnSuccess runs after the state has been updated.
	OnSuccess func(ctx context.Context, payload P, result R)
	// OnError runs before the handler error is returned to the caller.
	OnError func(ctx context.Context, payload P, err error)
}

type edgeKey[S comparable, E comparable] struct {
	from  S
	event E
}

// Machine is a finite-state machine over states S and events E.
type Machine[S comparable, E comparable, P any, R any] struct {
	current S
	final   bool
	finals  map[S]struct{}
	edges   map[edgeKey[S, E]]*Transition[S, E, P, R]
	// order keeps edges in registration order for Events
	order []edgeKey[S, E]
}

// Option configures a Machine.
type Option[S comparable, E comparable, P any, R any] func(*Machine[S, E, P, R])

// WithFinalStates marks states as terminal. Entering one flags the machine final.
func WithFinalStates[S comparable, E comparable, P any, R any](states ...S) Option[S, E, P, R] {
	return func(m *Machine[S, E, P, R]) {
		for _, s := range states {
			m.finals[s] = struct{}{}
		}
	}
}

// New builds a machine starting at initial. It fails when the table is
// malformed or registers the same (from, event) pair twice.
func New[S comparable, E comparable, P any, R any](
	initial S,
	transitions []Transition[S, E, P, R],
	opts ...Option[S, E, P, R],
) (*Machine[S, E, P, R], error) {
	m := &Machine[S, E, P, R]{
		current: initial,
		finals:  make(map[S]struct{}),
		edges:   make(map[edgeKey[S, E]]*Transition[S, E, P, R]),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := range transitions {
		t := &transitions[i]
		if len(t.From) == 0 || len(t.To) == 0 {
			return nil, shared.NewDomainError(shared.CodeInvalidInput,
				fmt.Sprintf("transition for event %v must declare from and to states", t.Event))
		}
		if t.OnTransition == nil {
			return nil, shared.NewDomainError(shared.CodeInvalidInput,
				fmt.Sprintf("transition for event %v has no handler", t.Event))
		}
		for _, from := range t.From {
			k := edgeKey[S, E]{from: from, event: t.Event}
			if _, exists := m.edges[k]; exists {
				return nil, fmt.Errorf("%w: state %v, event %v", ErrDuplicateTransition, from, t.Event)
			}
			m.edges[k] = t
			m.order = append(m.order, k)
		}
	}

	if _, ok := m.finals[initial]; ok {
		m.final = true
	}

	return m, nil
}

// Current returns the current state.
func (m *Machine[S, E, P, R]) Current() S {
	return m.current
}

// IsFinal reports whether the machine rejects all further transitions.
func (m *Machine[S, E, P, R]) IsFinal() bool {
	return m.final
}

// MarkFinal flags the machine as final regardless of its current state.
func (m *Machine[S, E, P, R]) MarkFinal() {
	m.final = true
}

// CanTransition reports whether event is registered for the current state.
func (m *Machine[S, E, P, R]) CanTransition(event E) bool {
	if m.final {
		return false
	}
	_, ok := m.edges[edgeKey[S, E]{from: m.current, event: event}]
	return ok
}

// Transition fires event with payload.
//
// A final machine returns ErrMachineFinalState without invoking any hook.
// An unregistered event returns ErrInvalidTransition. A handler error is
// passed to OnError and then returned unchanged; the state is not modified.
func (m *Machine[S, E, P, R]) Transition(ctx context.Context, event E, payload P) (R, error) {
	var zero R

	if m.final {
		return zero, shared.NewDomainError(shared.CodeMachineFinalState,
			fmt.Sprintf("machine is in final state %v, cannot handle %v", m.current, event))
	}

	t, ok := m.edges[edgeKey[S, E]{from: m.current, event: event}]
	if !ok {
		return zero, shared.NewDomainError(shared.CodeInvalidTransition,
			fmt.Sprintf("no transition for event %v from state %v", event, m.current))
	}

	out, err := t.OnTransition(ctx, payload)
	if err != nil {
		if t.OnError != nil {
			t.OnError(ctx, payload, err)
		}
		return zero, err
	}

	if !slices.Contains(t.To, out.Status) {
		err := shared.NewDomainError(shared.CodeInvalidTransition,
			fmt.Sprintf("handler for %v returned status %v outside its targets", event, out.Status))
		if t.OnError != nil {
			t.OnError(ctx, payload, err)
		}
		return zero, err
	}

	m.current = out.Status
	if _, terminal := m.finals[out.Status]; terminal {
		m.final = true
	}

	if t.OnSuccess != nil {
		t.OnSuccess(ctx, payload, out.Result)
	}

	return out.Result, nil
}

// Events lists the events accepted from the current state in the order
// their transitions were registered.
func (m *Machine[S, E, P, R]) Events() []E {
	if m.final {
		return nil
	}
	var events []E
	for _, k := range m.order {
		if k.from == m.current {
			events = append(events, k.event)
		}
	}
	return events
}
