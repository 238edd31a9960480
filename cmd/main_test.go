package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/tutorrisk/internal/config"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/internal/domain/training"
	"github.com/okian/tutorrisk/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// useTempDatabase points the config at a fresh sqlite file.
func useTempDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tutorrisk.db")
	t.Setenv("TUTORRISK_DB_DRIVER", "sqlite")
	t.Setenv("TUTORRISK_DATABASE_URL", path)
	t.Setenv("TUTORRISK_CONFIG", "")
	return path
}

func TestLoadConfig(t *testing.T) {
	convey.Convey("Given TUTORRISK_ variables in the environment", t, func() {
		useTempDatabase(t)
		t.Setenv("TUTORRISK_ADDR", ":8080")
		t.Setenv("TUTORRISK_QUEUE_SIZE", "1000")
		t.Setenv("TUTORRISK_WORKER_COUNT", "4")
		t.Setenv("TUTORRISK_LOG_LEVEL", "loud")

		convey.Convey("When the config is loaded", func() {
			cfg, err := loadConfig(context.Background())

			convey.Convey("Then the variables are applied", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 1000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
			})
		})
	})
}

func TestSettingsFromConfig(t *testing.T) {
	convey.Convey("Given a config with custom tunables", t, func() {
		cfg := config.New(context.Background())
		cfg.WindowShortDays = 3
		cfg.RiskThreshold = 22.5
		cfg.ChurnLow, cfg.ChurnHigh = 0.2, 0.6
		cfg.RescheduleLow, cfg.RescheduleHigh = 0.1, 0.4
		cfg.PredictionFreshness = time.Minute

		convey.Convey("Then the settings mirror it", func() {
			s := settingsFromConfig(cfg)
			convey.So(s.Windows, convey.ShouldResemble, [3]int{3, 30, 90})
			convey.So(s.RiskThreshold, convey.ShouldEqual, 22.5)
			convey.So(s.Churn.Low, convey.ShouldEqual, 0.2)
			convey.So(s.Churn.High, convey.ShouldEqual, 0.6)
			convey.So(s.Reschedule.Low, convey.ShouldEqual, 0.1)
			convey.So(s.Reschedule.High, convey.ShouldEqual, 0.4)
			convey.So(s.Freshness, convey.ShouldEqual, time.Minute)
		})
	})
}

func TestBuildServiceAndRouter(t *testing.T) {
	convey.Convey("Given a config backed by a sqlite file", t, func() {
		ctx := context.Background()
		useTempDatabase(t)
		cfg, err := loadConfig(ctx)
		convey.So(err, convey.ShouldBeNil)

		store, err := openStore(ctx, cfg)
		convey.So(err, convey.ShouldBeNil)
		defer store.Close()

		convey.Convey("When a model URI points at a missing file", func() {
			cfg.ChurnModelURI = filepath.Join(t.TempDir(), "churn.json")
			svc, cleanup, err := buildService(ctx, cfg, store, logger.Nop())

			convey.Convey("Then the service still builds and falls back on use", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(svc, convey.ShouldNotBeNil)
				cleanup()
			})
		})

		convey.Convey("When the service is built and routed", func() {
			svc, cleanup, err := buildService(ctx, cfg, store, logger.Nop())
			convey.So(err, convey.ShouldBeNil)
			defer cleanup()
			convey.So(svc.Start(ctx), convey.ShouldBeNil)
			defer svc.Stop()

			h := newRouter(ctx, cfg, svc, logger.Nop())

			convey.Convey("Then the API and the docs are both served", func() {
				w := httptest.NewRecorder()
				h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
				convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
				convey.So(w.Body.String(), convey.ShouldContainSubstring, `"risk_threshold":15`)

				w = httptest.NewRecorder()
				h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
				convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
				convey.So(w.Body.String(), convey.ShouldContainSubstring, "openapi: 3.0.3")
			})

			convey.Convey("And the service gauges can be refreshed", func() {
				convey.So(func() { updateServiceMetrics(svc) }, convey.ShouldNotPanic)
				convey.So(func() { updateSystemMetrics() }, convey.ShouldNotPanic)
			})
		})
	})
}

func TestMetricsUpdaters(t *testing.T) {
	convey.Convey("Given a context that expires", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		convey.Convey("Then the system updater returns", func() {
			convey.So(func() { startSystemMetricsUpdater(ctx) }, convey.ShouldNotPanic)
		})
	})
}

func TestJobs(t *testing.T) {
	convey.Convey("Given an empty sqlite database", t, func() {
		ctx := context.Background()
		useTempDatabase(t)

		convey.Convey("When migrate up runs", func() {
			err := migrate(ctx, "up")

			convey.Convey("Then the schema is created", func() {
				convey.So(err, convey.ShouldBeNil)
			})
		})

		convey.Convey("When a postgres-only command runs against sqlite", func() {
			err := migrate(ctx, "down")

			convey.Convey("Then it is rejected", func() {
				convey.So(errors.Is(err, model.ErrValidation), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When refresh runs", func() {
			err := refresh(ctx)

			convey.Convey("Then nothing fails", func() {
				convey.So(err, convey.ShouldBeNil)
			})
		})

		convey.Convey("When a model is trained without history", func() {
			err := train(ctx, trainFlags{
				kind:         "churn",
				out:          filepath.Join(t.TempDir(), "churn.json"),
				days:         30,
				testFraction: 0.2,
				seed:         1,
				epochs:       10,
				learningRate: 0.1,
				classWeight:  1,
			})

			convey.Convey("Then the empty dataset is reported", func() {
				convey.So(errors.Is(err, training.ErrEmptyDataset), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When an unknown kind is trained", func() {
			err := train(ctx, trainFlags{kind: "dropout"})

			convey.Convey("Then it is rejected", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})
	})
}

func TestRootCmd(t *testing.T) {
	convey.Convey("Given the root command", t, func() {
		cmd := rootCmd()

		convey.Convey("Then every subcommand is registered", func() {
			names := make([]string, 0, len(cmd.Commands()))
			for _, c := range cmd.Commands() {
				names = append(names, c.Name())
			}
			for _, want := range []string{"serve", "migrate", "refresh", "train", "version"} {
				convey.So(names, convey.ShouldContain, want)
			}
		})

		convey.Convey("When version is executed", func() {
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetArgs([]string{"version"})
			err := cmd.Execute()

			convey.Convey("Then the version is printed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(out.String(), convey.ShouldContainSubstring, "tutorrisk version dev")
			})
		})
	})
}
