package callstate

import (
	"errors"
	"fmt"

	"yuzu/coach/internal/types"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists, for each target status, the statuses it may be entered from.
var transitions = map[types.Status][]types.Status{
	types.StatusCompleted: {types.StatusActive},
	types.StatusAnalyzing: {types.StatusCompleted, types.StatusError},
	types.StatusDone:      {types.StatusAnalyzing},
	types.StatusError:     {types.StatusCompleted, types.StatusAnalyzing, types.StatusError},
}

func Allowed(from, to types.Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Check returns ErrInvalidTransition (wrapped with the pair) when from -> to is not in the table.
func Check(from, to types.Status) error {
	if !Allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Analyzable reports whether analysis may be triggered for a session in status s.
func Analyzable(s types.Status) bool {
	return Allowed(s, types.StatusAnalyzing)
}

// ReportReady describes what the report endpoint may surface for a status.
type ReportReady int

const (
	ReportPending ReportReady = iota
	ReportFailed
	ReportAvailable
)

func Report(s types.Status) ReportReady {
	switch s {
	case types.StatusDone:
		return ReportAvailable
	case types.StatusError:
		return ReportFailed
	default:
		return ReportPending
	}
}

// Valid reports whether s is one of the known statuses.
func Valid(s types.Status) bool {
	switch s {
	case types.StatusActive, types.StatusCompleted, types.StatusAnalyzing, types.StatusDone, types.StatusError:
		return true
	}
	return false
}
