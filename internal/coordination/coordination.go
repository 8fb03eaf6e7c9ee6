// SPDX-License-Identifier: MPL-2.0

// Package coordination implements a compensation log for multi-step
// lifecycle operations.
//
// Every mutating step registers a participant with an onFail compensation.
// When the operation ends successfully the onEnd callbacks run in
// registration order; when it fails the onFail callbacks run in reverse, so
// the state reached after a failure is the state before the operation began.
// Nested operations join the coordination carried by their context instead
// of beginning their own.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCoordinationFailed is the sentinel error wrapped by FailedError.
	ErrCoordinationFailed = errors.New("coordination failed")
	// ErrAlreadyEnded is returned when End is called twice.
	ErrAlreadyEnded = errors.New("coordination already ended")
)

type (
	// Coordination is a single compensation log.
	Coordination struct {
		id   uuid.UUID
		name string

		mu           sync.Mutex
		participants []participant
		failure      error
		ended        bool
		variables    map[any]any
	}

	participant struct {
		onEnd  func() error
		onFail func() error
	}

	// FailedError is returned by End when the coordination had failed.
	// Compensation errors are joined into Compensation.
	FailedError struct {
		Name         string
		Cause        error
		Compensation error
	}

	ctxKey struct{}
)

// New begins a coordination.
func New(name string) *Coordination {
	return &Coordination{
		id:        uuid.New(),
		name:      name,
		variables: make(map[any]any),
	}
}

// WithContext returns a context carrying c.
func WithContext(ctx context.Context, c *Coordination) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the coordination carried by ctx, if any.
func FromContext(ctx context.Context) (*Coordination, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Coordination)
	return c, ok && c != nil
}

// Begin joins the coordination in ctx or starts a new one. The returned
// boolean reports whether the caller owns the coordination and must End it.
func Begin(ctx context.Context, name string) (context.Context, *Coordination, bool) {
	if c, ok := FromContext(ctx); ok && !c.IsEnded() {
		return ctx, c, false
	}
	c := New(name)
	return WithContext(ctx, c), c, true
}

// ID returns the unique coordination id.
func (c *Coordination) ID() uuid.UUID { return c.id }

// Name returns the coordination name.
func (c *Coordination) Name() string { return c.name }

// AddParticipant registers a step. Either callback may be nil.
func (c *Coordination) AddParticipant(onEnd, onFail func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = append(c.participants, participant{onEnd: onEnd, onFail: onFail})
}

// Compensate registers a step that only has an undo action.
func (c *Coordination) Compensate(onFail func() error) {
	c.AddParticipant(nil, onFail)
}

// Fail marks the coordination failed. Only the first cause is kept; the
// return value reports whether this call recorded it.
func (c *Coordination) Fail(cause error) bool {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil || c.ended {
		return false
	}
	c.failure = cause
	return true
}

// Failure returns the recorded failure cause, if any.
func (c *Coordination) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// IsEnded reports whether End has been called.
func (c *Coordination) IsEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Variable returns a value stored on the coordination.
func (c *Coordination) Variable(key any) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// SetVariable stores a value on the coordination.
func (c *Coordination) SetVariable(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// End completes the coordination. On success every onEnd runs in
// registration order and their errors are joined. On failure every onFail
// runs in reverse registration order and a *FailedError is returned.
func (c *Coordination) End() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrAlreadyEnded
	}
	c.ended = true
	participants := c.participants
	c.participants = nil
	failure := c.failure
	c.mu.Unlock()

	if failure == nil {
		var errs []error
		for _, p := range participants {
			if p.onEnd == nil {
				continue
			}
			if err := p.onEnd(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var errs []error
	for i := len(participants) - 1; i >= 0; i-- {
		if participants[i].onFail == nil {
			continue
		}
		if err := participants[i].onFail(); err != nil {
			errs = append(errs, err)
		}
	}
	return &FailedError{Name: c.name, Cause: failure, Compensation: errors.Join(errs...)}
}

// Error implements the error interface.
func (e *FailedError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Name, e.Cause)
	if e.Compensation != nil {
		msg += fmt.Sprintf(" (compensation errors: %v)", e.Compensation)
	}
	return msg
}

// Unwrap exposes ErrCoordinationFailed and the cause to errors.Is and errors.As.
func (e *FailedError) Unwrap() []error {
	return []error{ErrCoordinationFailed, e.Cause}
}
