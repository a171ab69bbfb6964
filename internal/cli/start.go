package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/autarkd/autark/internal/config"
	"github.com/autarkd/autark/internal/logger"
	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/pkg/budget"
	"github.com/autarkd/autark/pkg/notify"
	"github.com/autarkd/autark/pkg/queue"
	"github.com/autarkd/autark/pkg/supervisor"
	"github.com/autarkd/autark/pkg/task"
	"github.com/autarkd/autark/pkg/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the autark supervisor",
	Long: `Start the supervisor process. It restores the pending queue, spawns
the worker pool, and runs the control loop until stopped.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("supervisor is already running (PID file: %s)", pidFile)
	}

	lg, err := buildLogger(cfg, false)
	if err != nil {
		return err
	}
	defer lg.Close()
	log := *lg.Zerolog()

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	store, err := budget.NewStore(budget.Options{
		Path:     cfg.StatePath("budget.json"),
		TotalUSD: cfg.Budget.TotalUSD,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("open budget store: %w", err)
	}

	q := queue.New(
		queue.WithSnapshotPath(cfg.StatePath("queue_snapshot.json")),
		queue.WithLogger(log),
	)

	events := make(chan task.WorkerEvent, 256)
	factory := func(id int) (worker.Worker, error) {
		return worker.Spawn(id, worker.SpawnOptions{
			ConfigPath: cfgFile,
			Logger:     log,
		}, events)
	}

	notifier := notify.NewThrottled(
		&notify.LogNotifier{Logger: log},
		time.Duration(cfg.Notify.ProgressCadenceSec)*time.Second,
		log,
	)

	var reverter supervisor.Reverter = supervisor.NopReverter{}
	if cfg.Update.RepoDir != "" {
		reverter = &supervisor.GitReverter{
			Dir:       cfg.Update.RepoDir,
			VerifyCmd: cfg.Update.VerifyCmd,
			StableRev: func() string { return store.Load().StableRevision },
			SetStableRev: func(rev string) error {
				return store.SetStableRevision(rev)
			},
			Logger: log,
		}
	}

	var sources []supervisor.TaskSource
	if len(cfg.Schedule) > 0 {
		sources = append(sources, supervisor.NewCronSource(cfg.Schedule, nil, log))
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, log)
	}

	sup := supervisor.New(supervisor.Options{
		Config:      cfg.Supervisor,
		Queue:       q,
		Events:      events,
		SpawnWorker: factory,
		Notifier:    notifier,
		Budget:      store,
		Reverter:    reverter,
		Sources:     sources,
		Logger:      log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Int("workers", cfg.Supervisor.Workers).
		Str("data_dir", cfg.DataDir).
		Str("model", cfg.Models.Default).
		Msg("Supervisor starting")

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("Metrics endpoint stopped")
	}
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/autark.pid"
	}
	return filepath.Join(home, ".autark", "autark.pid")
}

func isRunning(pidFile string) bool {
	if _, err := os.Stat(pidFile); os.IsNotExist(err) {
		return false
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 probes existence.
	return process.Signal(syscall.Signal(0)) == nil
}

func buildLogger(cfg *config.Config, workerProcess bool) (*logger.Logger, error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    !workerProcess,
		Redaction: cfg.Logging.Redaction,
		Stderr:    workerProcess,
	})
}
