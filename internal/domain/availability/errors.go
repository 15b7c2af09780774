package availability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotParticipant is returned when the actor is neither the patient nor
// the doctor of an appointment.
var ErrNotParticipant = errors.New("actor is not a participant of the appointment")

// InvalidRangeError reports a malformed proposal. It is raised before any
// store access.
type InvalidRangeError struct {
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return "invalid range: " + e.Reason
}

// Conflicted is implemented by every error that carries conflicts.
type Conflicted interface {
	error
	Conflicted() []Conflict
}

// SlotUnavailableError rejects a booking. It cannot be overridden.
type SlotUnavailableError struct {
	Conflicts []Conflict
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot unavailable: %d conflict(s)", len(e.Conflicts))
}

func (e *SlotUnavailableError) Conflicted() []Conflict { return e.Conflicts }

// ConflictError rejects a block that overlaps scheduled appointments when
// the caller did not ask to force it.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("range conflicts with %d scheduled appointment(s)", len(e.Conflicts))
}

func (e *ConflictError) Conflicted() []Conflict { return e.Conflicts }

// Warning is the message shown to the doctor before they decide to force.
func (e *ConflictError) Warning() string {
	n := len(appointmentIDs(e.Conflicts))
	days := make(map[Date]bool)
	var dates []string
	for _, c := range e.Conflicts {
		if !days[c.Overlap.Date] {
			days[c.Overlap.Date] = true
			dates = append(dates, c.Overlap.Date.String())
		}
	}
	noun := "appointments"
	if n == 1 {
		noun = "appointment"
	}
	return fmt.Sprintf("You have %d scheduled %s in this time range (%s). Blocking will not cancel them; confirm to block anyway.",
		n, noun, strings.Join(dates, ", "))
}

// ConcurrentConflictError means a conflicting commit landed between the
// check and the commit. The caller should re-check rather than retry.
type ConcurrentConflictError struct {
	Conflicts []Conflict
}

func (e *ConcurrentConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "concurrent conflict: slot was taken by another request"
	}
	return fmt.Sprintf("concurrent conflict: %d conflict(s) appeared before commit", len(e.Conflicts))
}

func (e *ConcurrentConflictError) Conflicted() []Conflict { return e.Conflicts }

// NotFoundError reports a missing appointment or block.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// StatusTransitionError reports an appointment status change that is not allowed.
type StatusTransitionError struct {
	From Status
	To   Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("cannot change appointment status from %s to %s", e.From, e.To)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ValidationError reports a malformed request field other than the range itself.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}
