package features

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/tutorrisk/internal/domain/model"
)

// Feature is one named value.
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Vector is an ordered list of features following a Schema.
type Vector []Feature

// Names returns the feature names in order.
func (v Vector) Names() []string {
	out := make([]string, len(v))
	for i, f := range v {
		out[i] = f.Name
	}
	return out
}

// Get returns the value of name.
func (v Vector) Get(name string) (float64, bool) {
	for _, f := range v {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Map returns the vector as a name→value map, used for snapshots.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(v))
	for _, f := range v {
		out[f.Name] = f.Value
	}
	return out
}

// SessionContext describes the scheduled session being scored.
type SessionContext struct {
	ScheduledTime         time.Time
	DurationMinutes       int     // 0 means unknown
	SessionsWithStudent   int     // earlier sessions of the same pair
	StudentRescheduleRate float64 // fraction of those that were rescheduled
}

// Input is everything the extractor reads. Subject and Counterpart are
// assigned to the student and tutor roles by their Kind; an entity without a
// kind is treated as the student when it is the subject of a pair.
type Input struct {
	Subject     model.Entity
	Counterpart *model.Entity
	Stats       *model.RiskScore
	Session     *SessionContext
	Now         time.Time
}

// Extract builds the SchemaV1 vector for in. It never fails: missing inputs
// take documented neutral values and no NaN is emitted.
func Extract(in Input) Vector {
	student, tutor := roles(in)

	m := mismatch(student, tutor)
	values := make([]float64, 0, SchemaV1.Len())
	values = append(values, m.Pace, m.Style, m.Communication, m.Age)

	values = append(values,
		attr(student, AttrAge, DefaultStudentAge),
		attr(student, AttrPreferredPace, DefaultStudentPace),
		attr(student, AttrUrgencyLevel, DefaultStudentUrgency),
		attr(student, AttrPreviousExperience, DefaultStudentExperience),
		attr(student, AttrPreviousSatisfaction, DefaultStudentSatisfaction),
	)

	values = append(values,
		attr(tutor, AttrAge, DefaultTutorAge),
		attr(tutor, AttrExperienceYears, DefaultTutorExperience),
		attr(tutor, AttrConfidenceLevel, DefaultTutorConfidence),
		attr(tutor, AttrPreferredPace, DefaultTutorPace),
		attr(tutor, AttrCommunicationStyle, DefaultTutorCommunication),
	)

	values = append(values, history(in.Stats)...)
	values = append(values, temporal(in.Session, in.Now)...)
	values = append(values, Compatibility(m))

	if len(values) != SchemaV1.Len() {
		// Programming error: a block drifted from the schema.
		panic(fmt.Sprintf("features: built %d values for %d names", len(values), SchemaV1.Len()))
	}
	out := make(Vector, len(values))
	for i, name := range SchemaV1.Names {
		v := values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[i] = Feature{Name: name, Value: v}
	}
	return out
}

func roles(in Input) (student, tutor *model.Entity) {
	subject := in.Subject
	if subject.Kind == model.KindTutor {
		tutor = &subject
		if in.Counterpart != nil {
			student = in.Counterpart
		}
		return student, tutor
	}
	student = &subject
	if in.Counterpart != nil {
		tutor = in.Counterpart
	}
	return student, tutor
}

func mismatch(student, tutor *model.Entity) Mismatch {
	m := Mismatch{
		Pace:          DefaultPaceMismatch,
		Style:         DefaultStyleMismatch,
		Communication: DefaultCommunicationMismatch,
		Age:           DefaultAgeDifference,
	}
	if student == nil || tutor == nil {
		return m
	}
	if a, ok := student.Float(AttrPreferredPace); ok {
		if b, ok := tutor.Float(AttrPreferredPace); ok {
			m.Pace = math.Abs(a - b)
		}
	}
	if a, ok := student.String(AttrPreferredStyle); ok {
		if b, ok := tutor.String(AttrTeachingStyle); ok {
			m.Style = 1
			if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
				m.Style = 0
			}
		}
	}
	if a, ok := student.Float(AttrCommunicationPref); ok {
		if b, ok := tutor.Float(AttrCommunicationStyle); ok {
			m.Communication = math.Abs(a - b)
		}
	}
	if a, ok := student.Float(AttrAge); ok {
		if b, ok := tutor.Float(AttrAge); ok {
			m.Age = math.Abs(a - b)
		}
	}
	return m
}

func attr(e *model.Entity, name string, def float64) float64 {
	if e == nil {
		return def
	}
	if v, ok := e.Float(name); ok {
		return v
	}
	return def
}

func history(s *model.RiskScore) []float64 {
	if s == nil {
		return make([]float64, 8)
	}
	highRisk := 0.0
	if s.IsHighRisk {
		highRisk = 1
	}
	trend := math.Min(math.Max((s.Rate7d-s.Rate30d)/100, -1), 1)
	return []float64{
		s.Rate7d / 100, s.Rate30d / 100, s.Rate90d / 100,
		float64(s.Total7d), float64(s.Total30d), float64(s.Total90d),
		highRisk, trend,
	}
}

func temporal(s *SessionContext, now time.Time) []float64 {
	if s == nil || s.ScheduledTime.IsZero() {
		return []float64{
			TemporalSentinel, TemporalSentinel, TemporalSentinel, 0,
			TemporalSentinel, TemporalSentinel, DefaultSessionDuration,
			0, 0,
		}
	}
	at := s.ScheduledTime.UTC()
	weekday := (int(at.Weekday()) + 6) % 7 // Monday=0
	hour := at.Hour()
	weekend := 0.0
	if weekday >= 5 {
		weekend = 1
	}
	until := at.Sub(now.UTC())
	duration := float64(s.DurationMinutes)
	if s.DurationMinutes <= 0 {
		duration = DefaultSessionDuration
	}
	return []float64{
		float64(weekday),
		float64(hour),
		timeOfDay(hour),
		weekend,
		math.Floor(until.Hours() / 24),
		until.Hours(),
		duration,
		float64(max(s.SessionsWithStudent, 0)),
		clamp01(s.StudentRescheduleRate),
	}
}

// timeOfDay buckets an hour: morning 0, afternoon 1, evening 2, night 3.
func timeOfDay(hour int) float64 {
	switch {
	case hour >= 6 && hour < 12:
		return 0
	case hour >= 12 && hour < 18:
		return 1
	case hour >= 18 && hour < 22:
		return 2
	default:
		return 3
	}
}

// PairHistory counts the entity's events with counterpartID scheduled before
// the given instant and the fraction of them that were rescheduled by anyone.
func PairHistory(events []model.Event, counterpartID string, before time.Time) (count int, rescheduleRate float64) {
	if counterpartID == "" {
		return 0, 0
	}
	var rescheduled int
	for i := range events {
		e := &events[i]
		if e.CounterpartID != counterpartID || !e.ScheduledTime.Before(before) {
			continue
		}
		count++
		if e.Status == model.StatusRescheduled {
			rescheduled++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return count, float64(rescheduled) / float64(count)
}
