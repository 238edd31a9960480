package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tutorrisk/internal/adapters/http/api"
	"github.com/okian/tutorrisk/internal/adapters/repository"
	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/predictor"
	"github.com/okian/tutorrisk/pkg/logger"
)

// fakeDeps records calls and returns canned results.
type fakeDeps struct {
	settings *service.Runtime

	pingErr error

	ingested  []model.Event
	seen      map[string]bool
	ingestErr error

	entities map[string]model.Entity
	scores   map[string]model.RiskScore

	predictErr error
	batchKeys  []model.PairKey

	entries []repository.Entry
	topErr  error

	artifact *predictor.Artifact
}

func newFakeDeps() *fakeDeps {
	rt, err := service.NewRuntime(service.DefaultSettings())
	if err != nil {
		panic(err)
	}
	return &fakeDeps{
		settings: rt,
		seen:     map[string]bool{},
		entities: map[string]model.Entity{},
		scores:   map[string]model.RiskScore{},
	}
}

func (f *fakeDeps) Ping(context.Context) error { return f.pingErr }

func (f *fakeDeps) GetStats() map[string]any {
	return map[string]any{"started": true, "queueLength": 0}
}

func (f *fakeDeps) Ingest(_ context.Context, _ string, e model.Event) (bool, error) {
	if f.ingestErr != nil {
		return false, f.ingestErr
	}
	if f.seen[e.EventID] {
		return true, nil
	}
	f.seen[e.EventID] = true
	f.ingested = append(f.ingested, e)
	return false, nil
}

func (f *fakeDeps) UpsertEntity(_ context.Context, e model.Entity) error {
	f.entities[e.ID] = e
	return nil
}

func (f *fakeDeps) GetRiskScore(_ context.Context, id string) (model.RiskScore, error) {
	s, ok := f.scores[id]
	if !ok {
		return model.RiskScore{}, fmt.Errorf("%w: entity %s", model.ErrNotFound, id)
	}
	return s, nil
}

func (f *fakeDeps) result(key model.PairKey) model.PredictionResult {
	kind := model.PredictionChurn
	if key.CounterpartID == "" {
		kind = model.PredictionReschedule
	}
	return model.PredictionResult{
		ID:            "pred-" + key.String(),
		SubjectID:     key.SubjectID,
		CounterpartID: key.CounterpartID,
		Kind:          kind,
		Probability:   0.42,
		RiskTier:      model.TierMedium,
		ModelVersion:  model.ModelVersionFallback,
		Degraded:      true,
		ComputedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (f *fakeDeps) Predict(_ context.Context, key model.PairKey) (model.PredictionResult, error) {
	if f.predictErr != nil {
		return model.PredictionResult{}, f.predictErr
	}
	if key.SubjectID == "" {
		return model.PredictionResult{}, fmt.Errorf("%w: missing subject", model.ErrValidation)
	}
	return f.result(key), nil
}

func (f *fakeDeps) Refresh(ctx context.Context, key model.PairKey) (model.PredictionResult, error) {
	return f.Predict(ctx, key)
}

func (f *fakeDeps) BatchGenerate(_ context.Context, keys []model.PairKey) ([]model.PredictionResult, error) {
	f.batchKeys = keys
	out := make([]model.PredictionResult, 0, len(keys))
	for _, k := range keys {
		if k.SubjectID == "missing" {
			continue
		}
		out = append(out, f.result(k))
	}
	return out, nil
}

func (f *fakeDeps) PredictSession(_ context.Context, req model.SessionRequest) (service.SessionPrediction, error) {
	if err := req.Validate(); err != nil {
		return service.SessionPrediction{}, err
	}
	return service.SessionPrediction{
		SessionID:        req.SessionID,
		PredictionResult: f.result(model.PairKey{SubjectID: req.TutorID}),
	}, nil
}

func (f *fakeDeps) TopN(_ context.Context, n int) ([]repository.Entry, error) {
	if f.topErr != nil {
		return nil, f.topErr
	}
	if n > len(f.entries) {
		return f.entries, nil
	}
	return f.entries[:n], nil
}

func (f *fakeDeps) Rank(_ context.Context, id string) (repository.Entry, error) {
	for _, e := range f.entries {
		if e.EntityID == id {
			return e, nil
		}
	}
	return repository.Entry{}, repository.ErrNotRanked
}

func (f *fakeDeps) ReloadModel(_ context.Context, kind model.PredictionKind) (*predictor.Artifact, error) {
	if f.artifact == nil {
		return nil, fmt.Errorf("%w: no model source configured for %s", model.ErrNotFound, kind)
	}
	return f.artifact, nil
}

func (f *fakeDeps) Settings() service.Settings { return f.settings.Get() }

func (f *fakeDeps) PatchSettings(p service.SettingsPatch) (service.Settings, error) {
	return f.settings.Patch(p)
}

var _ api.Dependencies = (*fakeDeps)(nil)

func newHandler(deps api.Dependencies) http.Handler {
	s := api.NewServer(deps, api.WithLogger(logger.Nop()), api.WithMaxTopLimit(5), api.WithMaxBatchSize(3))
	return s.Handler(context.Background())
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestServer_Routes(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := newFakeDeps()
		h := newHandler(deps)

		Convey("Health serves the Prometheus exposition", func() {
			w := do(h, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "# TYPE")
		})

		Convey("Health fails when the store is down", func() {
			deps.pingErr = errors.New("connection refused")
			w := do(h, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(decode(w)["code"], ShouldEqual, "unhealthy")
		})

		Convey("Stats returns JSON", func() {
			w := do(h, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "application/json; charset=utf-8")
			So(decode(w)["started"], ShouldEqual, true)
		})

		Convey("Unknown routes are 404 and wrong methods 405", func() {
			So(do(h, http.MethodGet, "/unknown", "").Code, ShouldEqual, http.StatusNotFound)
			So(do(h, http.MethodDelete, "/v1/settings", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
		})

		Convey("CORS preflight is answered", func() {
			req := httptest.NewRequest(http.MethodOptions, "/v1/settings", http.NoBody)
			req.Header.Set("Origin", "http://example.com")
			req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			So(w.Header().Get("Access-Control-Allow-Origin"), ShouldEqual, "*")
		})
	})
}

func TestEventsHandler(t *testing.T) {
	Convey("Given the events endpoint", t, func() {
		deps := newFakeDeps()
		h := newHandler(deps)
		body := `{"event_id":"e1","tutor_id":"tutor-1","student_id":"student-1",
			"scheduled_time":"2026-01-01T10:00:00Z","status":"rescheduled",
			"reschedule_info":{"initiator":"tutor","reason":"sick"}}`

		Convey("A valid event is accepted", func() {
			w := do(h, http.MethodPost, "/v1/events", body)
			So(w.Code, ShouldEqual, http.StatusAccepted)
			So(decode(w)["status"], ShouldEqual, "accepted")
			So(deps.ingested, ShouldHaveLength, 1)
			So(deps.ingested[0].EntityID, ShouldEqual, "tutor-1")
			So(deps.ingested[0].IsFlagged(), ShouldBeTrue)

			Convey("And a replay is acknowledged as duplicate", func() {
				w := do(h, http.MethodPost, "/v1/events", body)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode(w)["duplicate"], ShouldEqual, true)
				So(deps.ingested, ShouldHaveLength, 1)
			})
		})

		Convey("Malformed JSON is a bad request", func() {
			w := do(h, http.MethodPost, "/v1/events", `{"event_id":`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Unknown fields are rejected", func() {
			w := do(h, http.MethodPost, "/v1/events", `{"learner_id":"x"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A reschedule without initiator is a bad request", func() {
			w := do(h, http.MethodPost, "/v1/events", `{"event_id":"e2","tutor_id":"tutor-1",
				"scheduled_time":"2026-01-01T10:00:00Z","status":"rescheduled"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.ingested, ShouldBeEmpty)
		})

		Convey("A full queue yields 429", func() {
			deps.ingestErr = fmt.Errorf("%w: queue full", service.ErrBackpressure)
			w := do(h, http.MethodPost, "/v1/events", body)
			So(w.Code, ShouldEqual, http.StatusTooManyRequests)
			So(decode(w)["code"], ShouldEqual, "backpressure")
		})

		Convey("A stopped service yields 503", func() {
			deps.ingestErr = service.ErrStopped
			So(do(h, http.MethodPost, "/v1/events", body).Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestEntitiesHandler(t *testing.T) {
	Convey("Given the entities endpoints", t, func() {
		deps := newFakeDeps()
		h := newHandler(deps)

		Convey("PUT stores the profile", func() {
			w := do(h, http.MethodPut, "/v1/entities/tutor-1", `{"kind":"tutor","attributes":{"subjects":"math"}}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.entities["tutor-1"].Kind, ShouldEqual, model.KindTutor)
			So(deps.entities["tutor-1"].Attributes["subjects"], ShouldEqual, "math")
		})

		Convey("PUT with an unknown kind is a bad request", func() {
			w := do(h, http.MethodPut, "/v1/entities/x", `{"kind":"parent"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.entities, ShouldBeEmpty)
		})

		Convey("GET risk returns the score", func() {
			deps.scores["tutor-1"] = model.RiskScore{EntityID: "tutor-1", Rate7d: 50.0, Total7d: 4, Flagged7d: 2, IsHighRisk: true, ThresholdUsed: 15.0}
			w := do(h, http.MethodGet, "/v1/entities/tutor-1/risk", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			out := decode(w)
			So(out["rate_7d"], ShouldEqual, 50.0)
			So(out["flagged_7d"], ShouldEqual, 2.0)
			So(out["is_high_risk"], ShouldEqual, true)
		})

		Convey("GET risk of an unknown entity is 404", func() {
			So(do(h, http.MethodGet, "/v1/entities/ghost/risk", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestPredictionsHandler(t *testing.T) {
	Convey("Given the prediction endpoints", t, func() {
		deps := newFakeDeps()
		h := newHandler(deps)

		Convey("GET returns the pair prediction", func() {
			w := do(h, http.MethodGet, "/v1/predictions?subject_id=student-1&counterpart_id=tutor-1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			out := decode(w)
			So(out["kind"], ShouldEqual, "churn")
			So(out["probability"], ShouldEqual, 0.42)
			So(out["risk_tier"], ShouldEqual, "medium")
			So(out["degraded"], ShouldEqual, true)
		})

		Convey("GET without a subject is a bad request", func() {
			So(do(h, http.MethodGet, "/v1/predictions", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Domain errors map to status codes", func() {
			cases := []struct {
				err  error
				code int
			}{
				{fmt.Errorf("%w: no tutor", model.ErrNotFound), http.StatusNotFound},
				{fmt.Errorf("%w: nan", model.ErrComputation), http.StatusUnprocessableEntity},
				{fmt.Errorf("%w: write failed", model.ErrPersistence), http.StatusServiceUnavailable},
				{errors.New("boom"), http.StatusInternalServerError},
			}
			for _, c := range cases {
				deps.predictErr = c.err
				So(do(h, http.MethodGet, "/v1/predictions?subject_id=tutor-1", "").Code, ShouldEqual, c.code)
			}
		})

		Convey("Refresh takes the pair in the body", func() {
			w := do(h, http.MethodPost, "/v1/predictions/refresh", `{"subject_id":"tutor-1"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["kind"], ShouldEqual, "reschedule")
		})

		Convey("Batch keeps order and skips failures", func() {
			w := do(h, http.MethodPost, "/v1/predictions/batch",
				`{"pairs":[{"subject_id":"tutor-2"},{"subject_id":"missing"},{"subject_id":"student-1","counterpart_id":"tutor-1"}]}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			out := decode(w)
			So(out["requested"], ShouldEqual, 3.0)
			So(out["generated"], ShouldEqual, 2.0)
			preds := out["predictions"].([]any)
			So(preds[0].(map[string]any)["subject_id"], ShouldEqual, "tutor-2")
			So(preds[1].(map[string]any)["counterpart_id"], ShouldEqual, "tutor-1")
		})

		Convey("Batch above the limit is rejected before any work", func() {
			w := do(h, http.MethodPost, "/v1/predictions/batch",
				`{"pairs":[{"subject_id":"a"},{"subject_id":"b"},{"subject_id":"c"},{"subject_id":"d"}]}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decode(w)["code"], ShouldEqual, "limit_exceeded")
			So(deps.batchKeys, ShouldBeNil)
		})

		Convey("Session prediction echoes the session id", func() {
			w := do(h, http.MethodPost, "/v1/sessions/predict",
				`{"session_id":"s1","tutor_id":"tutor-1","scheduled_time":"2026-03-01T18:00:00Z","duration_minutes":60}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			out := decode(w)
			So(out["session_id"], ShouldEqual, "s1")
			So(out["kind"], ShouldEqual, "reschedule")
		})

		Convey("Session prediction without a time is a bad request", func() {
			w := do(h, http.MethodPost, "/v1/sessions/predict", `{"session_id":"s1","tutor_id":"tutor-1"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestRiskRankingHandlers(t *testing.T) {
	Convey("Given a ranking with three entities", t, func() {
		deps := newFakeDeps()
		deps.entries = []repository.Entry{
			{Rank: 1, EntityID: "tutor-a", Rate30d: 40.0, IsHighRisk: true},
			{Rank: 2, EntityID: "tutor-b", Rate30d: 20.0, IsHighRisk: true},
			{Rank: 3, EntityID: "tutor-c", Rate30d: 5.0},
		}
		h := newHandler(deps)

		Convey("Top returns the first N", func() {
			w := do(h, http.MethodGet, "/v1/risk/top?limit=2", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var out []map[string]any
			So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
			So(out, ShouldHaveLength, 2)
			So(out[0]["entity_id"], ShouldEqual, "tutor-a")
			So(out[1]["rank"], ShouldEqual, 2.0)
		})

		Convey("Top rejects invalid and excessive limits", func() {
			So(do(h, http.MethodGet, "/v1/risk/top?limit=abc", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/v1/risk/top?limit=0", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, http.MethodGet, "/v1/risk/top?limit=6", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Top before start is unavailable", func() {
			deps.topErr = service.ErrNotStarted
			So(do(h, http.MethodGet, "/v1/risk/top", "").Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Rank finds an entity or 404s", func() {
			w := do(h, http.MethodGet, "/v1/risk/rank/tutor-b", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["rank"], ShouldEqual, 2.0)
			So(do(h, http.MethodGet, "/v1/risk/rank/ghost", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestModelAndSettingsHandlers(t *testing.T) {
	Convey("Given the model and settings endpoints", t, func() {
		deps := newFakeDeps()
		h := newHandler(deps)

		Convey("Reload of an unknown kind is a bad request", func() {
			So(do(h, http.MethodPost, "/v1/model/match/reload", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Reload without a configured source is 404", func() {
			So(do(h, http.MethodPost, "/v1/model/churn/reload", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Reload returns the artifact version", func() {
			deps.artifact = &predictor.Artifact{Version: "churn-7", FeatureNames: []string{"a"}}
			w := do(h, http.MethodPost, "/v1/model/churn/reload", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["version"], ShouldEqual, "churn-7")
		})

		Convey("GET settings reports freshness in seconds", func() {
			w := do(h, http.MethodGet, "/v1/settings", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			out := decode(w)
			So(out["freshness_seconds"], ShouldEqual, 300.0)
			So(out["risk_threshold"], ShouldEqual, 15.0)
			So(out["windows"], ShouldResemble, []any{7.0, 30.0, 90.0})
		})

		Convey("PATCH applies a valid update", func() {
			w := do(h, http.MethodPatch, "/v1/settings", `{"churn_low":0.2,"freshness_seconds":60}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["churn"].(map[string]any)["low"], ShouldEqual, 0.2)
			So(deps.Settings().Freshness, ShouldEqual, time.Minute)
		})

		Convey("PATCH rejects an invalid update and keeps the old settings", func() {
			w := do(h, http.MethodPatch, "/v1/settings", `{"churn_low":0.9}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(deps.Settings().Churn.Low, ShouldEqual, 0.3)
		})
	})
}
