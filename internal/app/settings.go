package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/tutorrisk/internal/domain/aggregator"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/risk"
)

// DefaultFreshness is how long a persisted prediction is served before it is recomputed.
const DefaultFreshness = 5 * time.Minute

// Settings are the tunables that may change while the service runs.
type Settings struct {
	Windows       [3]int          `json:"windows"`
	RiskThreshold float64         `json:"risk_threshold"`
	Churn         risk.Thresholds `json:"churn"`
	Reschedule    risk.Thresholds `json:"reschedule"`
	Freshness     time.Duration   `json:"-"`
}

// DefaultSettings returns the built-in tunables.
func DefaultSettings() Settings {
	return Settings{
		Windows:       aggregator.DefaultWindows,
		RiskThreshold: aggregator.DefaultThreshold,
		Churn:         risk.ChurnDefaults(),
		Reschedule:    risk.RescheduleDefaults(),
		Freshness:     DefaultFreshness,
	}
}

// Validate checks every field.
func (s Settings) Validate() error {
	if err := aggregator.ValidateWindows(s.Windows); err != nil {
		return err
	}
	if err := aggregator.ValidateThreshold(s.RiskThreshold); err != nil {
		return err
	}
	if err := s.Churn.Validate(); err != nil {
		return fmt.Errorf("churn: %w", err)
	}
	if err := s.Reschedule.Validate(); err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if s.Freshness <= 0 {
		return fmt.Errorf("%w: freshness must be positive", model.ErrValidation)
	}
	return nil
}

// Thresholds returns the tier boundaries of a prediction kind.
func (s Settings) Thresholds(kind model.PredictionKind) risk.Thresholds {
	if kind == model.PredictionChurn {
		return s.Churn
	}
	return s.Reschedule
}

// SettingsPatch is a partial update. Nil fields are left unchanged.
type SettingsPatch struct {
	Windows        *[3]int        `json:"windows,omitempty"`
	RiskThreshold  *float64       `json:"risk_threshold,omitempty"`
	ChurnLow       *float64       `json:"churn_low,omitempty"`
	ChurnHigh      *float64       `json:"churn_high,omitempty"`
	RescheduleLow  *float64       `json:"reschedule_low,omitempty"`
	RescheduleHigh *float64       `json:"reschedule_high,omitempty"`
	Freshness      *time.Duration `json:"-"`
}

// Apply returns s with the patch applied. The result is not validated.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.Windows != nil {
		s.Windows = *p.Windows
	}
	if p.RiskThreshold != nil {
		s.RiskThreshold = *p.RiskThreshold
	}
	if p.ChurnLow != nil {
		s.Churn.Low = *p.ChurnLow
	}
	if p.ChurnHigh != nil {
		s.Churn.High = *p.ChurnHigh
	}
	if p.RescheduleLow != nil {
		s.Reschedule.Low = *p.RescheduleLow
	}
	if p.RescheduleHigh != nil {
		s.Reschedule.High = *p.RescheduleHigh
	}
	if p.Freshness != nil {
		s.Freshness = *p.Freshness
	}
	return s
}

// Runtime holds the current Settings. Readers never block; writers are
// serialized and notify subscribers after the swap.
type Runtime struct {
	cur atomic.Pointer[Settings]

	mu    sync.Mutex
	hooks []func(Settings)
}

// NewRuntime validates s and makes it current.
func NewRuntime(s Settings) (*Runtime, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{}
	r.cur.Store(&s)
	return r, nil
}

// Get returns the current settings.
func (r *Runtime) Get() Settings { return *r.cur.Load() }

// Set replaces the settings if they are valid.
func (r *Runtime) Set(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur.Store(&s)
	for _, fn := range r.hooks {
		fn(s)
	}
	return nil
}

// Patch applies p to the current settings atomically with respect to other writers.
func (r *Runtime) Patch(p SettingsPatch) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := p.Apply(*r.cur.Load())
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	r.cur.Store(&next)
	for _, fn := range r.hooks {
		fn(next)
	}
	return next, nil
}

// OnChange registers fn to run after every successful update.
func (r *Runtime) OnChange(fn func(Settings)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}
