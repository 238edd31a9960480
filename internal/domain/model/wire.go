package model

import (
	"fmt"
	"strings"
	"time"
)

// EventPayload is the JSON shape of a session event on HTTP and Kafka.
type EventPayload struct {
	EventID         string          `json:"event_id"`
	TutorID         string          `json:"tutor_id"`
	StudentID       string          `json:"student_id,omitempty"`
	ScheduledTime   time.Time       `json:"scheduled_time"`
	CompletedTime   *time.Time      `json:"completed_time,omitempty"`
	Status          string          `json:"status"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
	RescheduleInfo  *RescheduleInfo `json:"reschedule_info,omitempty"`
}

// RescheduleInfo says who moved a session and why.
type RescheduleInfo struct {
	Initiator string `json:"initiator"`
	Reason    string `json:"reason,omitempty"`
}

// ToEvent validates the payload and converts it. A rescheduled session must
// say who initiated it.
func (p EventPayload) ToEvent() (Event, error) {
	status, err := ParseStatus(p.Status)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		EventID:         strings.TrimSpace(p.EventID),
		EntityID:        strings.TrimSpace(p.TutorID),
		CounterpartID:   strings.TrimSpace(p.StudentID),
		ScheduledTime:   p.ScheduledTime.UTC(),
		CompletedTime:   p.CompletedTime,
		Status:          status,
		Initiator:       InitiatorEntity,
		DurationMinutes: p.DurationMinutes,
	}
	switch {
	case p.RescheduleInfo != nil:
		if e.Initiator, err = ParseInitiator(p.RescheduleInfo.Initiator); err != nil {
			return Event{}, err
		}
		e.Reason = p.RescheduleInfo.Reason
	case status == StatusRescheduled:
		return Event{}, fmt.Errorf("%w: reschedule_info is required when status is rescheduled", ErrValidation)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// PayloadFromEvent is the inverse of ToEvent.
func PayloadFromEvent(e Event) EventPayload {
	p := EventPayload{
		EventID:         e.EventID,
		TutorID:         e.EntityID,
		StudentID:       e.CounterpartID,
		ScheduledTime:   e.ScheduledTime,
		CompletedTime:   e.CompletedTime,
		Status:          string(e.Status),
		DurationMinutes: e.DurationMinutes,
	}
	if e.Status == StatusRescheduled {
		initiator := "tutor"
		if e.Initiator == InitiatorCounterpart {
			initiator = "student"
		}
		p.RescheduleInfo = &RescheduleInfo{Initiator: initiator, Reason: e.Reason}
	}
	return p
}
