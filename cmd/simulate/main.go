// Command simulate drives a running tutorrisk service with synthetic session
// history and checks the risk scores it reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/tutorrisk/internal/adapters/mq/kafka"
	"github.com/okian/tutorrisk/internal/simulate"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/retry"
)

// Overall bound on one run.
const defaultRunTimeout = 10 * time.Minute

func main() {
	if err := logger.Init(); err != nil {
		_, _ = os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := &simulate.Config{}
	var (
		runTimeout time.Duration
		verbose    bool
		strict     bool
	)
	cmd := &cobra.Command{
		Use:           "simulate",
		Short:         "Send synthetic tutoring sessions to tutorrisk and verify its risk scores",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `  # Default run against a local service
  simulate

  # Bigger run through Kafka
  simulate --tutors 2000 --sessions 60 --sink kafka --kafka-brokers localhost:9092 --kafka-topic session-events`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if verbose {
				_ = logger.SetLevelString("debug")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
			defer cancel()
			return run(ctx, cfg, strict)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "Base URL of the service")
	f.DurationVar(&cfg.Timeout, "timeout", simulate.DefaultTimeout, "HTTP request timeout")
	f.IntVar(&cfg.Workers, "workers", runtime.NumCPU()*2, "Number of concurrent submitters")
	f.IntVar(&cfg.Tutors, "tutors", simulate.DefaultTutors, "Number of tutors")
	f.IntVar(&cfg.Students, "students", simulate.DefaultStudents, "Number of students")
	f.IntVar(&cfg.SessionsPerTutor, "sessions", simulate.DefaultSessionsPerTutor, "Sessions per tutor")
	f.IntVar(&cfg.Days, "days", simulate.DefaultDays, "Spread sessions over this many past days")
	f.Float64Var(&cfg.FlakyShare, "flaky-share", simulate.DefaultFlakyShare, "Share of tutors who reschedule often")
	f.Uint64Var(&cfg.Seed, "seed", uint64(time.Now().UnixNano()), "Generator seed")
	f.StringVar(&cfg.Sink, "sink", simulate.SinkHTTP, "Delivery path for events (http, kafka)")
	f.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", nil, "Kafka brokers for the kafka sink")
	f.StringVar(&cfg.KafkaTopic, "kafka-topic", "", "Kafka topic for the kafka sink")
	f.IntVar(&cfg.TopN, "top", simulate.DefaultTopN, "Ranked entries to verify")
	f.DurationVar(&cfg.Settle, "settle", simulate.DefaultSettle, "Longest wait for the workers to drain")
	f.StringVarP(&cfg.OutputFile, "output", "o", "", "Save generated events to this file")
	f.DurationVar(&runTimeout, "run-timeout", defaultRunTimeout, "Bound on the whole run")
	f.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	f.BoolVar(&strict, "strict", false, "Fail when any check mismatches")
	return cmd
}

func run(ctx context.Context, cfg *simulate.Config, strict bool) error {
	log := logger.Named("simulate")
	if err := cfg.Validate(); err != nil {
		return err
	}
	client := simulate.NewClient(cfg.BaseURL, cfg.Timeout)

	var sink simulate.Sink
	if cfg.Sink == simulate.SinkKafka {
		ks, err := simulate.NewKafkaSink(kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, log.Named("kafka"))
		if err != nil {
			return err
		}
		sink = ks
	} else {
		policy := retry.Policy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
		sink = simulate.NewHTTPSink(client, cfg.Workers, policy, log.Named("http"))
	}
	defer func() { _ = sink.Close() }()

	_, report, err := simulate.Run(ctx, cfg, client, sink, log)
	if err != nil {
		return err
	}
	if strict && !report.OK() {
		return fmt.Errorf("%d of %d checks mismatched", len(report.Mismatches), report.Checked)
	}
	return nil
}
