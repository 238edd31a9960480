package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/okian/tutorrisk/internal/adapters/repository"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func newStore(t *testing.T) *repository.SQLStore {
	t.Helper()
	s, err := repository.Open(context.Background(), repository.SQLConfig{
		Driver:      repository.DriverSQLite,
		DSN:         ":memory:",
		AutoMigrate: true,
	}, repository.WithStoreLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPair(t *testing.T, s repository.Store) {
	t.Helper()
	ctx := context.Background()
	for _, e := range []model.Entity{
		{ID: "tutor-1", Kind: model.KindTutor, Attributes: map[string]any{"preferred_pace": 3, "age": 35}},
		{ID: "student-1", Kind: model.KindStudent, Attributes: map[string]any{"preferred_pace": 2, "age": 16}},
	} {
		if err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("seed %s: %v", e.ID, err)
		}
	}
}

func session(id string, at time.Time, status model.Status, by model.Initiator) model.Event {
	return model.Event{
		EventID:         id,
		EntityID:        "tutor-1",
		CounterpartID:   "student-1",
		ScheduledTime:   at,
		Status:          status,
		Initiator:       by,
		DurationMinutes: 60,
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}
