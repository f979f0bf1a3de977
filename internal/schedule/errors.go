package schedule

import (
	"errors"
	"fmt"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
)

// Op names the server call that failed.
type Op string

// Server calls made by the engine.
const (
	OpLoad       Op = "load"
	OpSave       Op = "save"
	OpTransition Op = "transition"
)

const (
	msgReauth  = "You are not allowed to do this. Please sign in again."
	msgGeneric = "Could not reach the server. Your changes are kept; please try again."
)

// SyncError reports a failed server call. Local state is unchanged when it is returned.
type SyncError struct {
	Op  Op
	Key model.DayKey
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Kind returns the taxonomy name of the cause.
func (e *SyncError) Kind() errs.Kind { return errs.KindOf(e.Err) }

// NeedsReauth reports whether the caller should send the user through sign-in.
func (e *SyncError) NeedsReauth() bool { return errors.Is(e.Err, errs.ErrUnauthorized) }

// UserMessage is the text shown to the user for this failure.
func (e *SyncError) UserMessage() string {
	if e.NeedsReauth() {
		return msgReauth
	}
	return msgGeneric
}
