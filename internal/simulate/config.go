// Package simulate generates synthetic tutoring history, feeds it to a
// running tutorrisk service over HTTP or Kafka, and checks the risk scores
// the service reports against scores computed locally from the same events.
package simulate

import (
	"fmt"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// Sink names.
const (
	SinkHTTP  = "http"
	SinkKafka = "kafka"
)

// Defaults used by the simulate command.
const (
	DefaultTutors           = 200
	DefaultStudents         = 1000
	DefaultSessionsPerTutor = 40
	DefaultDays             = 28
	DefaultFlakyShare       = 0.1
	DefaultTopN             = 20
	DefaultTimeout          = 30 * time.Second
	DefaultSettle           = 2 * time.Minute
)

// Config holds configuration for one simulation run.
type Config struct {
	BaseURL string        // Base URL of the service
	Timeout time.Duration // HTTP request timeout
	Workers int           // Concurrent submitters

	Tutors           int
	Students         int
	SessionsPerTutor int
	Days             int     // History spread, in days before now
	FlakyShare       float64 // Share of tutors with a high reschedule propensity
	Seed             uint64

	Sink         string // http or kafka
	KafkaBrokers []string
	KafkaTopic   string

	TopN       int
	Settle     time.Duration // Upper bound on waiting for the workers to drain
	OutputFile string        // Where generated events are saved, if set
}

// Validate reports the first unusable field.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("%w: base url is required", model.ErrValidation)
	case c.Tutors <= 0 || c.Students <= 0 || c.SessionsPerTutor <= 0:
		return fmt.Errorf("%w: tutors, students and sessions must be positive", model.ErrValidation)
	case c.Days <= 0:
		return fmt.Errorf("%w: days must be positive", model.ErrValidation)
	case c.FlakyShare < 0 || c.FlakyShare > 1:
		return fmt.Errorf("%w: flaky share must be within [0, 1]", model.ErrValidation)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", model.ErrValidation)
	case c.Sink != SinkHTTP && c.Sink != SinkKafka:
		return fmt.Errorf("%w: unknown sink %q", model.ErrValidation, c.Sink)
	case c.Sink == SinkKafka && (len(c.KafkaBrokers) == 0 || c.KafkaTopic == ""):
		return fmt.Errorf("%w: kafka sink needs brokers and a topic", model.ErrValidation)
	}
	return nil
}

// Stats holds run statistics.
type Stats struct {
	TutorsRegistered   int
	StudentsRegistered int
	EventsGenerated    int
	EventsSubmitted    int
	EventsAccepted     int
	EventsDuplicate    int
	EventsFailed       int
	EntriesVerified    int
	Mismatches         int
	StartTime          time.Time
	EndTime            time.Time
	Duration           time.Duration
}

// Ack is the response to POST /v1/events.
type Ack struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Entry is one ranked row from GET /v1/risk/top.
type Entry struct {
	Rank       int     `json:"rank"`
	EntityID   string  `json:"entity_id"`
	Rate7d     float64 `json:"rate_7d"`
	Rate30d    float64 `json:"rate_30d"`
	Total30d   int     `json:"total_30d"`
	IsHighRisk bool    `json:"is_high_risk"`
}

// Settings is the subset of GET /v1/settings the checks read.
type Settings struct {
	Windows       [3]int  `json:"windows"`
	RiskThreshold float64 `json:"risk_threshold"`
}

// RiskScore is the subset of GET /v1/entities/{id}/risk the checks read.
type RiskScore struct {
	EntityID   string  `json:"entity_id"`
	Rate7d     float64 `json:"rate_7d"`
	Rate30d    float64 `json:"rate_30d"`
	Rate90d    float64 `json:"rate_90d"`
	Total30d   int     `json:"total_30d"`
	IsHighRisk bool    `json:"is_high_risk"`
}
