// Package store persists call sessions and their lifecycle events.
package store

import (
	"context"
	"errors"
	"fmt"

	"yuzu/coach/internal/callstate"
	"yuzu/coach/internal/types"
)

var (
	ErrNotFound      = errors.New("call session not found")
	ErrSessionExists = errors.New("call session already exists")
	// ErrAlreadySet is returned when completion data is written a second time.
	ErrAlreadySet        = errors.New("completion data already set")
	ErrInvalidTransition = callstate.ErrInvalidTransition
	ErrInvalidStatus     = errors.New("unknown call status")
)

func checkStatus(s types.Status) error {
	if !callstate.Valid(s) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return nil
}

// maxEvents caps the per-session event log.
const maxEvents = 200

// Store is implemented by the in-memory and PostgreSQL backends. All methods
// are safe for concurrent use and return copies the caller may keep.
type Store interface {
	Create(ctx context.Context, s *types.CallSession) error
	Get(ctx context.Context, id string) (*types.CallSession, error)
	// ListByOwner returns the owner's sessions newest first plus their total count.
	ListByOwner(ctx context.Context, ownerID string, skip, limit int) ([]*types.CallSession, int, error)
	// Complete performs active -> completed, writing all completion fields at once.
	Complete(ctx context.Context, id string, c types.Completion) (*types.CallSession, error)
	// SetStatus moves the session to status `to` if the transition table allows
	// it from the current status, checked and written atomically. A nil
	// results leaves analysis_results unchanged.
	SetStatus(ctx context.Context, id string, to types.Status, results types.Results) (*types.CallSession, error)
	Delete(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, id, typ string, payload map[string]any) (types.Event, error)
	ListEvents(ctx context.Context, id string) ([]types.Event, error)

	Ping(ctx context.Context) error
	Close() error
}
