// Package features turns entities, rolling stats and session context into the
// fixed-order numeric vector consumed by the predictor.
package features

// Feature names of SchemaV1, grouped by block.
const (
	PaceMismatch          = "pace_mismatch"
	StyleMismatch         = "style_mismatch"
	CommunicationMismatch = "communication_mismatch"
	AgeDifference         = "age_difference"

	StudentAge                  = "student_age"
	StudentPreferredPace        = "student_preferred_pace"
	StudentUrgencyLevel         = "student_urgency_level"
	StudentPreviousExperience   = "student_previous_experience"
	StudentPreviousSatisfaction = "student_previous_satisfaction"

	TutorAge                = "tutor_age"
	TutorExperienceYears    = "tutor_experience_years"
	TutorConfidenceLevel    = "tutor_confidence_level"
	TutorPreferredPace      = "tutor_preferred_pace"
	TutorCommunicationStyle = "tutor_communication_style"

	TutorRescheduleRate7d  = "tutor_reschedule_rate_7d"
	TutorRescheduleRate30d = "tutor_reschedule_rate_30d"
	TutorRescheduleRate90d = "tutor_reschedule_rate_90d"
	TutorTotalSessions7d   = "tutor_total_sessions_7d"
	TutorTotalSessions30d  = "tutor_total_sessions_30d"
	TutorTotalSessions90d  = "tutor_total_sessions_90d"
	TutorIsHighRisk        = "tutor_is_high_risk"
	TutorRescheduleTrend   = "tutor_reschedule_trend"

	DayOfWeek                = "day_of_week"
	HourOfDay                = "hour_of_day"
	TimeOfDayCategory        = "time_of_day_category"
	IsWeekend                = "is_weekend"
	DaysUntilSession         = "days_until_session"
	HoursUntilSession        = "hours_until_session"
	SessionDurationMinutes   = "session_duration_minutes"
	SessionsWithStudentCount = "sessions_with_student_count"
	StudentRescheduleRate    = "student_reschedule_rate"

	CompatibilityScore = "compatibility_score"
)

// Schema is a named, ordered list of feature names.
type Schema struct {
	Version string
	Names   []string
}

// Len returns the number of features.
func (s Schema) Len() int { return len(s.Names) }

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// SchemaV1 is the only schema the extractor emits. Its order never changes;
// models select and reorder the subset they were trained on.
var SchemaV1 = Schema{
	Version: "v1",
	Names: []string{
		PaceMismatch, StyleMismatch, CommunicationMismatch, AgeDifference,

		StudentAge, StudentPreferredPace, StudentUrgencyLevel,
		StudentPreviousExperience, StudentPreviousSatisfaction,

		TutorAge, TutorExperienceYears, TutorConfidenceLevel,
		TutorPreferredPace, TutorCommunicationStyle,

		TutorRescheduleRate7d, TutorRescheduleRate30d, TutorRescheduleRate90d,
		TutorTotalSessions7d, TutorTotalSessions30d, TutorTotalSessions90d,
		TutorIsHighRisk, TutorRescheduleTrend,

		DayOfWeek, HourOfDay, TimeOfDayCategory, IsWeekend,
		DaysUntilSession, HoursUntilSession, SessionDurationMinutes,
		SessionsWithStudentCount, StudentRescheduleRate,

		CompatibilityScore,
	},
}

// Attribute keys read from entity profiles.
const (
	AttrAge                  = "age"
	AttrPreferredPace        = "preferred_pace"
	AttrTeachingStyle        = "teaching_style"
	AttrPreferredStyle       = "preferred_teaching_style"
	AttrCommunicationStyle   = "communication_style"
	AttrCommunicationPref    = "communication_style_preference"
	AttrUrgencyLevel         = "urgency_level"
	AttrPreviousExperience   = "previous_tutoring_experience"
	AttrPreviousSatisfaction = "previous_satisfaction"
	AttrExperienceYears      = "experience_years"
	AttrConfidenceLevel      = "confidence_level"
)

// Neutral values used when an attribute is missing.
const (
	DefaultPaceMismatch          = 2.5
	DefaultStyleMismatch         = 0.5
	DefaultCommunicationMismatch = 2.5
	DefaultAgeDifference         = 10

	DefaultStudentAge          = 15
	DefaultStudentPace         = 3
	DefaultStudentUrgency      = 3
	DefaultStudentExperience   = 0
	DefaultStudentSatisfaction = 3
	DefaultTutorAge            = 30
	DefaultTutorExperience     = 2
	DefaultTutorConfidence     = 3
	DefaultTutorPace           = 3
	DefaultTutorCommunication  = 3
	DefaultSessionDuration     = 60
	TemporalSentinel           = -1
)
