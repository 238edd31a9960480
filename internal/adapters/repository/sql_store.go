package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// SQLConfig selects and tunes the database behind a SQLStore.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SlowThreshold   time.Duration
	// AutoMigrate creates tables from the row structs. Postgres deployments
	// use the goose migrations instead.
	AutoMigrate bool
}

// SQLStore implements Store on top of gorm.
type SQLStore struct {
	db  *gorm.DB
	log logger.Logger
	now func() time.Time
}

// Open connects to the configured database.
func Open(ctx context.Context, cfg SQLConfig, opts ...SQLOption) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = time.Second
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLog(storeLogger(opts).Named("gorm"), slow),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if dialector.Name() == DriverSQLite {
		// Each sqlite connection to :memory: is a separate database, so the
		// single connection is never recycled either.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := NewSQLStore(db, opts...)
	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	if err := s.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// storeLogger resolves the logger opts select, for use before the store exists.
func storeLogger(opts []SQLOption) logger.Logger {
	s := &SQLStore{}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		return logger.Get().Named("store")
	}
	return s.log
}

// NewSQLStore wraps an existing gorm handle.
func NewSQLStore(db *gorm.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("store")
	}
	return s
}

// DB exposes the gorm handle.
func (s *SQLStore) DB() *gorm.DB { return s.db }

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{model.ErrNotFound}, args...)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// GetEntity returns the entity or model.ErrNotFound.
func (s *SQLStore) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	defer observe("get_entity", time.Now())
	var row entityRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return model.Entity{}, notFound(err, "entity %q", id)
	}
	return entityFromRow(row), nil
}

// UpsertEntity creates the entity or replaces its kind and attributes.
func (s *SQLStore) UpsertEntity(ctx context.Context, e model.Entity) error {
	defer observe("upsert_entity", time.Now())
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing entity id", model.ErrValidation)
	}
	kind, err := model.ParseEntityKind(string(e.Kind))
	if err != nil {
		return err
	}
	attrs := datatypes.JSONMap(e.Attributes)
	if attrs == nil {
		attrs = datatypes.JSONMap{}
	}
	now := s.now().UTC()
	row := &entityRow{ID: e.ID, Kind: string(kind), Attributes: attrs, CreatedAt: now, UpdatedAt: now}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "attributes", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert entity %q: %w", e.ID, err)
	}
	return nil
}

// ListEntities returns every entity of kind, ordered by id. An empty kind
// lists all entities.
func (s *SQLStore) ListEntities(ctx context.Context, kind model.EntityKind) ([]model.Entity, error) {
	defer observe("list_entities", time.Now())
	q := s.db.WithContext(ctx).Order("id")
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var rows []entityRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	out := make([]model.Entity, 0, len(rows))
	for _, r := range rows {
		out = append(out, entityFromRow(r))
	}
	return out, nil
}

// InsertEvent stores e and makes sure both parties exist as entities. A
// second insert of the same EventID is a no-op that returns false.
func (s *SQLStore) InsertEvent(ctx context.Context, e model.Event) (bool, error) {
	defer observe("insert_event", time.Now())
	if err := e.Validate(); err != nil {
		return false, err
	}
	e.Status, _ = model.ParseStatus(string(e.Status))
	e.Initiator, _ = model.ParseInitiator(string(e.Initiator))
	now := s.now().UTC()
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureEntity(tx, e.EntityID, model.KindTutor, now); err != nil {
			return err
		}
		if e.CounterpartID != "" {
			if err := ensureEntity(tx, e.CounterpartID, model.KindStudent, now); err != nil {
				return err
			}
		}
		row := eventToRow(e, now)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert event %q: %w", e.EventID, err)
	}
	if !inserted {
		s.log.Debug(ctx, "duplicate event ignored", logger.String("event_id", e.EventID))
	}
	return inserted, nil
}

func ensureEntity(tx *gorm.DB, id string, kind model.EntityKind, now time.Time) error {
	row := &entityRow{ID: id, Kind: string(kind), Attributes: datatypes.JSONMap{}, CreatedAt: now, UpdatedAt: now}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(row).Error
}

// ListEvents returns the entity's events scheduled within [since, until],
// oldest first.
func (s *SQLStore) ListEvents(ctx context.Context, entityID string, since, until time.Time) ([]model.Event, error) {
	defer observe("list_events", time.Now())
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND scheduled_time >= ? AND scheduled_time <= ?", entityID, since.UTC(), until.UTC()).
		Order("scheduled_time, event_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list events of %q: %w", entityID, err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, eventFromRow(r))
	}
	return out, nil
}

// UpsertWindowStat writes one window aggregate keyed by (entity, window).
func (s *SQLStore) UpsertWindowStat(ctx context.Context, st model.WindowStat) error {
	defer observe("upsert_window_stat", time.Now())
	row := &windowStatRow{
		EntityID:         st.EntityID,
		WindowDays:       st.WindowDays,
		TotalEvents:      st.TotalEvents,
		FlaggedEvents:    st.FlaggedEvents,
		Rate:             st.Rate,
		LastCalculatedAt: st.LastCalculatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entity_id"}, {Name: "window_days"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_events", "flagged_events", "rate", "last_calculated_at",
			}),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert window stat %s/%dd: %w", st.EntityID, st.WindowDays, err)
	}
	return nil
}

// ListWindowStats returns the stored windows of an entity, shortest first.
func (s *SQLStore) ListWindowStats(ctx context.Context, entityID string) ([]model.WindowStat, error) {
	defer observe("list_window_stats", time.Now())
	var rows []windowStatRow
	if err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("window_days").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list window stats of %q: %w", entityID, err)
	}
	out := make([]model.WindowStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.WindowStat{
			EntityID:         r.EntityID,
			WindowDays:       r.WindowDays,
			TotalEvents:      r.TotalEvents,
			FlaggedEvents:    r.FlaggedEvents,
			Rate:             r.Rate,
			LastCalculatedAt: r.LastCalculatedAt.UTC(),
		})
	}
	return out, nil
}

// UpsertRiskScore writes the entity's risk score.
func (s *SQLStore) UpsertRiskScore(ctx context.Context, sc model.RiskScore) error {
	defer observe("upsert_risk_score", time.Now())
	row := riskScoreToRow(sc)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert risk score %q: %w", sc.EntityID, err)
	}
	return nil
}

// GetRiskScore returns the stored score or model.ErrNotFound.
func (s *SQLStore) GetRiskScore(ctx context.Context, entityID string) (model.RiskScore, error) {
	defer observe("get_risk_score", time.Now())
	var row riskScoreRow
	if err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Take(&row).Error; err != nil {
		return model.RiskScore{}, notFound(err, "risk score %q", entityID)
	}
	return riskScoreFromRow(row), nil
}

// ListRiskScores returns every stored score, riskiest first.
func (s *SQLStore) ListRiskScores(ctx context.Context) ([]model.RiskScore, error) {
	defer observe("list_risk_scores", time.Now())
	var rows []riskScoreRow
	if err := s.db.WithContext(ctx).Order("rate_30d DESC, entity_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list risk scores: %w", err)
	}
	out := make([]model.RiskScore, 0, len(rows))
	for _, r := range rows {
		out = append(out, riskScoreFromRow(r))
	}
	return out, nil
}

// UpsertPrediction writes p keyed by (subject, counterpart). A concurrent
// writer of the same key updates the same row, so at most one row exists
// per key. The row keeps the id it was first created with.
func (s *SQLStore) UpsertPrediction(ctx context.Context, p model.PredictionResult) error {
	defer observe("upsert_prediction", time.Now())
	if p.ID == "" {
		return fmt.Errorf("%w: missing prediction id", model.ErrValidation)
	}
	row := predictionToRow(p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subject_id"}, {Name: "counterpart_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kind", "probability", "risk_tier", "model_version", "degraded", "computed_at", "feature_snapshot",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert prediction %s: %w", p.Key(), err)
	}
	return nil
}

// GetPrediction returns the stored prediction for key or model.ErrNotFound.
func (s *SQLStore) GetPrediction(ctx context.Context, key model.PairKey) (model.PredictionResult, error) {
	defer observe("get_prediction", time.Now())
	var row predictionRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND counterpart_id = ?", key.SubjectID, key.CounterpartID).
		Take(&row).Error
	if err != nil {
		return model.PredictionResult{}, notFound(err, "prediction %s", key)
	}
	return predictionFromRow(row), nil
}

// ListPredictionsInvolving returns predictions where entityID is either side.
func (s *SQLStore) ListPredictionsInvolving(ctx context.Context, entityID string) ([]model.PredictionResult, error) {
	defer observe("list_predictions", time.Now())
	var rows []predictionRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ? OR counterpart_id = ?", entityID, entityID).
		Order("subject_id, counterpart_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list predictions of %q: %w", entityID, err)
	}
	out := make([]model.PredictionResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, predictionFromRow(r))
	}
	return out, nil
}

// ListPredictionKeys returns the key of every stored prediction.
func (s *SQLStore) ListPredictionKeys(ctx context.Context) ([]model.PairKey, error) {
	defer observe("list_prediction_keys", time.Now())
	var rows []predictionRow
	err := s.db.WithContext(ctx).
		Select("subject_id", "counterpart_id").
		Order("subject_id, counterpart_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list prediction keys: %w", err)
	}
	out := make([]model.PairKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.PairKey{SubjectID: r.SubjectID, CounterpartID: r.CounterpartID})
	}
	return out, nil
}

// CountPredictions returns the number of stored rows for key.
func (s *SQLStore) CountPredictions(ctx context.Context, key model.PairKey) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&predictionRow{}).
		Where("subject_id = ? AND counterpart_id = ?", key.SubjectID, key.CounterpartID).
		Count(&n).Error
	return n, err
}

var _ Store = (*SQLStore)(nil)
