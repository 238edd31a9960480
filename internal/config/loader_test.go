package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/tutorrisk/internal/config"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars(t)

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg, convey.ShouldNotBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 10_000)
				convey.So(cfg.PredictionFreshness, convey.ShouldEqual, 5*time.Minute)
				convey.So(cfg.KafkaBrokers, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			t.Setenv("TUTORRISK_ADDR", ":8080")
			t.Setenv("TUTORRISK_QUEUE_SIZE", "2000")
			t.Setenv("TUTORRISK_WORKER_COUNT", "16")
			t.Setenv("TUTORRISK_EVENT_TIMEOUT", "5s")
			t.Setenv("TUTORRISK_KAFKA_BROKERS", "k1:9092,k2:9092")
			t.Setenv("TUTORRISK_KAFKA_TOPIC", "sessions")
			t.Setenv("TUTORRISK_RISK_THRESHOLD", "20.5")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 2000)
				convey.So(cfg.WorkerCount, convey.ShouldEqual, 16)
				convey.So(cfg.EventTimeout, convey.ShouldEqual, 5*time.Second)
				convey.So(cfg.KafkaBrokers, convey.ShouldResemble, []string{"k1:9092", "k2:9092"})
				convey.So(cfg.KafkaTopic, convey.ShouldEqual, "sessions")
				convey.So(cfg.RiskThreshold, convey.ShouldEqual, 20.5)
			})
		})

		convey.Convey("When the legacy threshold variables are set", func() {
			t.Setenv("MATCH_RISK_THRESHOLD_LOW", "0.25")
			t.Setenv("MATCH_RISK_THRESHOLD_HIGH", "0.6")
			t.Setenv("RESCHEDULE_RISK_THRESHOLD_LOW", "0.1")
			t.Setenv("RESCHEDULE_RISK_THRESHOLD_HIGH", "0.4")

			cfg, err := config.Load(ctx)

			convey.Convey("Then they set the tier boundaries", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.ChurnLow, convey.ShouldEqual, 0.25)
				convey.So(cfg.ChurnHigh, convey.ShouldEqual, 0.6)
				convey.So(cfg.RescheduleLow, convey.ShouldEqual, 0.1)
				convey.So(cfg.RescheduleHigh, convey.ShouldEqual, 0.4)
			})

			convey.Convey("And the prefixed names win over them", func() {
				t.Setenv("TUTORRISK_CHURN_LOW", "0.2")
				cfg, err := config.Load(ctx)
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.ChurnLow, convey.ShouldEqual, 0.2)
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			path := writeConfigFile(t, `
addr: ":9090"
queue_size: 3000
window_short_days: 3
window_medium_days: 14
window_long_days: 60
prediction_freshness: 2m
kafka_brokers:
  - broker:9092
kafka_topic: sessions
`)
			t.Setenv(config.EnvConfigPath, path)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load from YAML file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 3000)
				convey.So(cfg.Windows(), convey.ShouldResemble, [3]int{3, 14, 60})
				convey.So(cfg.PredictionFreshness, convey.ShouldEqual, 2*time.Minute)
				convey.So(cfg.KafkaBrokers, convey.ShouldResemble, []string{"broker:9092"})
			})

			convey.Convey("And env vars take precedence over the file", func() {
				t.Setenv("TUTORRISK_ADDR", ":7070")
				cfg, err := config.Load(ctx)
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.EventQueueSize, convey.ShouldEqual, 3000)
			})
		})

		convey.Convey("When the layered result is invalid", func() {
			t.Setenv("MATCH_RISK_THRESHOLD_LOW", "0.9")

			_, err := config.Load(ctx)

			convey.Convey("Then Load reports an invalid config", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the config file is missing", func() {
			t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

			_, err := config.Load(ctx)

			convey.Convey("Then Load reports a load failure", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func TestConfigWatch(t *testing.T) {
	convey.Convey("Given no config file", t, func() {
		clearConfigEnvVars(t)
		err := config.Watch(context.Background(), func(*config.Config, error) {})
		convey.So(errors.Is(err, config.ErrNoConfigFile), convey.ShouldBeTrue)
	})

	convey.Convey("Given a watched config file", t, func() {
		clearConfigEnvVars(t)
		path := writeConfigFile(t, "risk_threshold: 15\n")
		t.Setenv(config.EnvConfigPath, path)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		updates := make(chan *config.Config, 8)
		err := config.Watch(ctx, func(cfg *config.Config, err error) {
			if err != nil {
				return
			}
			select {
			case updates <- cfg:
			default:
			}
		})
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("When the file changes, the new values are delivered", func() {
			convey.So(os.WriteFile(path, []byte("risk_threshold: 25\n"), 0o600), convey.ShouldBeNil)

			var got *config.Config
			timeout := time.After(5 * time.Second)
		wait:
			for {
				select {
				case cfg := <-updates:
					if cfg.RiskThreshold == 25.0 {
						got = cfg
						break wait
					}
				case <-timeout:
					break wait
				}
			}
			convey.So(got, convey.ShouldNotBeNil)
		})
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearConfigEnvVars unsets every variable Load reads for the rest of the test.
func clearConfigEnvVars(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := cutEnv(kv)
		for _, prefix := range []string{"TUTORRISK_", "MATCH_RISK_THRESHOLD_", "RESCHEDULE_RISK_THRESHOLD_"} {
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				t.Setenv(name, "")
				_ = os.Unsetenv(name)
			}
		}
	}
}

func cutEnv(kv string) (string, string, bool) {
	for i := range len(kv) {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}
