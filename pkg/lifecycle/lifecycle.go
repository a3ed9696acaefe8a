// Package lifecycle drives the async operation state machine described
// in §4.3: accepted -> pending -> {complete, error}, with forward-only
// progression serialized entirely through the Operation Instance Store.
// No in-memory actor survives a restart; the stored row is the state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencall/core/pkg/instancestore"
)

// Manager wraps an instancestore.Store and exposes the four legal
// transitions as named operations instead of raw (from, to) pairs.
type Manager struct {
	store instancestore.Store
}

// New returns a Manager over store.
func New(store instancestore.Store) *Manager {
	return &Manager{store: store}
}

// Accept creates a new instance in the accepted state. Callers invoke
// this before returning the acceptance envelope to the client.
func (m *Manager) Accept(ctx context.Context, inst instancestore.Instance) error {
	inst.State = instancestore.Accepted
	return m.store.Create(ctx, inst)
}

// Start transitions accepted -> pending when work truly begins.
// Double-START is a no-op: if the conditional update is rejected and the
// instance is already pending, Start returns nil instead of an error. A
// Start on a complete or error instance returns *ErrInvalidTransition.
func (m *Manager) Start(ctx context.Context, requestID string) error {
	err := m.store.Transition(ctx, requestID, instancestore.Accepted, instancestore.Pending, instancestore.TransitionFields{})
	if err == nil {
		return nil
	}
	if !errors.Is(err, instancestore.ErrTransitionRejected) {
		return err
	}

	inst, getErr := m.store.Get(ctx, requestID, time.Now())
	if getErr != nil {
		return err
	}
	if inst.State == instancestore.Pending {
		return nil // already started, double-START is legal
	}
	return &ErrInvalidTransition{RequestID: requestID, Event: "start"}
}

// Complete transitions pending -> complete, recording the result
// location (inline data reference or externalized URI) and mime type.
func (m *Manager) Complete(ctx context.Context, requestID, resultLocation string, resultData []byte, mime string) error {
	return m.store.Transition(ctx, requestID, instancestore.Pending, instancestore.Complete, instancestore.TransitionFields{
		ResultLocation: resultLocation,
		ResultData:     resultData,
		ResultMime:     mime,
	})
}

// Fail transitions either accepted or pending into error, trying
// accepted first since that is the only state allowed to fail without
// ever having started.
func (m *Manager) Fail(ctx context.Context, requestID, code, message string) error {
	fields := instancestore.TransitionFields{Err: &instancestore.InstanceError{Code: code, Message: message}}

	err := m.store.Transition(ctx, requestID, instancestore.Accepted, instancestore.Error, fields)
	if err == nil {
		return nil
	}
	if !errors.Is(err, instancestore.ErrTransitionRejected) {
		return err
	}
	if err := m.store.Transition(ctx, requestID, instancestore.Pending, instancestore.Error, fields); err != nil {
		if errors.Is(err, instancestore.ErrTransitionRejected) {
			return &ErrInvalidTransition{RequestID: requestID, Event: "fail"}
		}
		return err
	}
	return nil
}

// Get reads the current instance row without mutating it.
func (m *Manager) Get(ctx context.Context, requestID string) (*instancestore.Instance, error) {
	return m.store.Get(ctx, requestID, time.Now())
}

// ErrInvalidTransition wraps a rejected event, naming the requested event
// for logging.
type ErrInvalidTransition struct {
	RequestID string
	Event     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("lifecycle: event %q rejected for instance %s", e.Event, e.RequestID)
}
