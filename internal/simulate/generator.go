package simulate

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/features"
	"github.com/okian/tutorrisk/internal/domain/model"
)

// Propensity ranges for the chance that a tutor moves a session.
const (
	steadyMin = 0.01
	steadyMax = 0.08
	flakyMin  = 0.30
	flakyMax  = 0.60

	studentRescheduleChance = 0.05
	noShowChance            = 0.03
	maxStudentsPerTutor     = 5
)

var (
	durations   = []int{30, 45, 60, 90}
	styles      = []string{"visual", "auditory", "kinesthetic", "reading"}
	tutorReason = []string{"schedule conflict", "illness", "travel", "double booked"}
	otherReason = []string{"exam week", "family event", "forgot"}
)

// Tutor is a generated tutor and how often it moves sessions.
type Tutor struct {
	ID         string
	Propensity float64
	Flaky      bool
	Attributes map[string]any
}

// Student is a generated student.
type Student struct {
	ID         string
	Attributes map[string]any
}

// Plan is everything one run sends to the service.
type Plan struct {
	Tutors   []Tutor
	Students []Student
	Events   []model.EventPayload
}

// Generate builds a plan from cfg. The same seed yields the same plan for the
// same now.
func Generate(cfg *Config, now time.Time) *Plan {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], cfg.Seed)
	src := rand.NewChaCha8(seed)
	r := rand.New(src)
	newID := func(prefix string) string {
		id, err := uuid.NewRandomFromReader(src)
		if err != nil {
			// ChaCha8 reads never fail.
			panic(err)
		}
		return prefix + id.String()
	}

	p := &Plan{
		Tutors:   make([]Tutor, cfg.Tutors),
		Students: make([]Student, cfg.Students),
		Events:   make([]model.EventPayload, 0, cfg.Tutors*cfg.SessionsPerTutor),
	}
	for i := range p.Students {
		p.Students[i] = Student{
			ID: newID("student-"),
			Attributes: map[string]any{
				features.AttrAge:                  10 + r.IntN(9),
				features.AttrPreferredPace:        1 + r.IntN(5),
				features.AttrPreferredStyle:       styles[r.IntN(len(styles))],
				features.AttrCommunicationPref:    1 + r.IntN(5),
				features.AttrUrgencyLevel:         1 + r.IntN(5),
				features.AttrPreviousExperience:   r.IntN(2),
				features.AttrPreviousSatisfaction: 1 + r.IntN(5),
			},
		}
	}
	for i := range p.Tutors {
		t := Tutor{
			ID: newID("tutor-"),
			Attributes: map[string]any{
				features.AttrAge:                22 + r.IntN(40),
				features.AttrExperienceYears:    r.IntN(15),
				features.AttrConfidenceLevel:    1 + r.IntN(5),
				features.AttrPreferredPace:      1 + r.IntN(5),
				features.AttrTeachingStyle:      styles[r.IntN(len(styles))],
				features.AttrCommunicationStyle: 1 + r.IntN(5),
			},
		}
		if r.Float64() < cfg.FlakyShare {
			t.Flaky = true
			t.Propensity = flakyMin + r.Float64()*(flakyMax-flakyMin)
		} else {
			t.Propensity = steadyMin + r.Float64()*(steadyMax-steadyMin)
		}
		p.Tutors[i] = t
		p.Events = append(p.Events, sessions(r, cfg, now, t, p.Students, newID)...)
	}
	return p
}

func sessions(r *rand.Rand, cfg *Config, now time.Time, t Tutor, students []Student, newID func(string) string) []model.EventPayload {
	roster := make([]string, 1+r.IntN(maxStudentsPerTutor))
	for i := range roster {
		roster[i] = students[r.IntN(len(students))].ID
	}
	span := time.Duration(cfg.Days) * 24 * time.Hour

	out := make([]model.EventPayload, cfg.SessionsPerTutor)
	for i := range out {
		// At least an hour in the past, on a whole minute.
		at := now.Add(-time.Hour - time.Duration(r.Int64N(int64(span-time.Hour)))).Truncate(time.Minute).UTC()
		e := model.EventPayload{
			EventID:         newID("ev-"),
			TutorID:         t.ID,
			StudentID:       roster[r.IntN(len(roster))],
			ScheduledTime:   at,
			DurationMinutes: durations[r.IntN(len(durations))],
		}
		switch u := r.Float64(); {
		case u < t.Propensity:
			e.Status = string(model.StatusRescheduled)
			e.RescheduleInfo = &model.RescheduleInfo{Initiator: "tutor", Reason: tutorReason[r.IntN(len(tutorReason))]}
		case u < t.Propensity+studentRescheduleChance:
			e.Status = string(model.StatusRescheduled)
			e.RescheduleInfo = &model.RescheduleInfo{Initiator: "student", Reason: otherReason[r.IntN(len(otherReason))]}
		case u < t.Propensity+studentRescheduleChance+noShowChance:
			e.Status = string(model.StatusNoShow)
		default:
			e.Status = string(model.StatusCompleted)
			done := at.Add(time.Duration(e.DurationMinutes) * time.Minute)
			e.CompletedTime = &done
		}
		out[i] = e
	}
	return out
}

// Expected computes the risk score of every tutor in p from its events, the
// way the service does.
func Expected(p *Plan, windows [3]int, threshold float64, asOf time.Time) (map[string]model.RiskScore, error) {
	byTutor := make(map[string][]model.Event, len(p.Tutors))
	for _, payload := range p.Events {
		e, err := payload.ToEvent()
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", payload.EventID, err)
		}
		byTutor[e.EntityID] = append(byTutor[e.EntityID], e)
	}
	out := make(map[string]model.RiskScore, len(p.Tutors))
	for _, t := range p.Tutors {
		_, score := aggregator.Summarize(t.ID, byTutor[t.ID], windows, threshold, asOf)
		out[t.ID] = score
	}
	return out, nil
}
