// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome of a scheduled session.
type Status string

// Session statuses.
const (
	StatusCompleted   Status = "completed"
	StatusRescheduled Status = "rescheduled"
	StatusNoShow      Status = "no_show"
)

// Initiator says which side caused a status change.
type Initiator string

// Initiators. "entity" is the entity the event is recorded against (the tutor).
const (
	InitiatorEntity      Initiator = "entity"
	InitiatorCounterpart Initiator = "counterpart"
)

// Event is an immutable session record for an entity.
type Event struct {
	EventID         string     // unique id for idempotency
	EntityID        string     // entity whose reliability is measured
	CounterpartID   string     // optional other party, e.g. the student
	ScheduledTime   time.Time  // when the session was scheduled to happen
	CompletedTime   *time.Time // set for completed sessions
	Status          Status
	Initiator       Initiator
	Reason          string
	DurationMinutes int // 0 when unknown
}

// IsFlagged reports whether the event counts against the entity's reliability.
func (e Event) IsFlagged() bool {
	return e.Status == StatusRescheduled && e.Initiator == InitiatorEntity
}

// Validate checks the fields ingestion relies on.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return fmt.Errorf("%w: missing event_id", ErrValidation)
	case strings.TrimSpace(e.EntityID) == "":
		return fmt.Errorf("%w: missing entity_id", ErrValidation)
	case e.ScheduledTime.IsZero():
		return fmt.Errorf("%w: missing scheduled_time", ErrValidation)
	case e.DurationMinutes < 0:
		return fmt.Errorf("%w: negative duration", ErrValidation)
	}
	if _, err := ParseStatus(string(e.Status)); err != nil {
		return err
	}
	if _, err := ParseInitiator(string(e.Initiator)); err != nil {
		return err
	}
	return nil
}

// ParseStatus maps a wire value onto a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusCompleted, StatusRescheduled, StatusNoShow:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
}

// ParseInitiator maps a wire value onto an Initiator. Tutor/student are
// accepted as aliases for entity/counterpart.
func ParseInitiator(s string) (Initiator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entity", "tutor":
		return InitiatorEntity, nil
	case "counterpart", "student":
		return InitiatorCounterpart, nil
	default:
		return "", fmt.Errorf("%w: unknown initiator %q", ErrValidation, s)
	}
}
