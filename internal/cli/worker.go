package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/autarkd/autark/internal/config"
	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/internal/tracing"
	"github.com/autarkd/autark/pkg/budget"
	"github.com/autarkd/autark/pkg/contextmgr"
	"github.com/autarkd/autark/pkg/engine"
	"github.com/autarkd/autark/pkg/llm"
	"github.com/autarkd/autark/pkg/task"
	"github.com/autarkd/autark/pkg/toolrunner"
	"github.com/autarkd/autark/pkg/worker"
)

var workerID int

// ToolSetup registers tool implementations into a fresh worker's runner.
// Tool implementations live outside this module; deployments set this
// hook from their own main before Execute.
var ToolSetup func(*toolrunner.Runner) error

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one execution worker (spawned by the supervisor)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerID, "worker-id", 0, "worker slot id")
	rootCmd.AddCommand(workerCmd)
}

// defaultSystemPrompt is the static identity tier when no override file
// is present in the data directory.
const defaultSystemPrompt = `You are an autonomous task executor. You receive one task at a time,
work it to completion with the tools available, and return a final
textual answer. Be direct, verify your work, and stop when done.`

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Stdout carries the event wire; all logging goes to stderr.
	lg, err := buildLogger(cfg, true)
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog().With().Int("worker_id", workerID).Logger()

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("autark-worker"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}
	defer func() { _ = tracing.ShutdownOpenTelemetry(context.Background()) }()

	factory := llm.NewFactory(cfg.AI.Profiles)

	runner := toolrunner.New(toolrunner.Options{
		DefaultTimeout: time.Duration(cfg.Tools.DefaultTimeoutSec) * time.Second,
		MaxParallel:    cfg.Tools.MaxParallel,
		MaxResultChars: cfg.Tools.MaxResultChars,
		Logger:         log,
	})
	defer runner.Close()
	if ToolSetup != nil {
		if err := ToolSetup(runner); err != nil {
			return fmt.Errorf("register tools: %w", err)
		}
	}

	cm := contextmgr.New(contextmgr.Options{
		SoftCapTokens:    cfg.Context.SoftCapTokens,
		KeepRecentRounds: cfg.Context.KeepRecentRounds,
		Logger:           log,
	})

	var budgetView engine.BudgetView
	store, err := budget.NewStore(budget.Options{
		Path:     cfg.StatePath("budget.json"),
		TotalUSD: cfg.Budget.TotalUSD,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("open budget store: %w", err)
	}
	if cfg.Budget.TotalUSD > 0 {
		budgetView = store
	}

	steering := make(chan string, 16)
	var phaseMu sync.Mutex
	phase := "idle"

	var rt *worker.Runtime
	eng := engine.New(engine.Options{
		Clients:            factory,
		Tools:              runner,
		Context:            cm,
		DefaultModel:       cfg.Models.Default,
		LightModel:         cfg.Models.Light,
		FallbackModels:     cfg.Models.Fallback,
		MaxRounds:          cfg.Engine.MaxRounds,
		MaxModelRetries:    cfg.Engine.MaxModelRetries,
		ReflectionInterval: cfg.Engine.ReflectionInterval,
		Budget:             budgetView,
		HardStopFraction:   cfg.Budget.HardStopFraction,
		NudgeFraction:      cfg.Budget.NudgeFraction,
		NudgeInterval:      cfg.Budget.NudgeInterval,
		Emit: func(ev task.Event) {
			if rt != nil {
				rt.Emit(ev)
			}
		},
		Steering: steering,
		Phase: func(p string) {
			phaseMu.Lock()
			phase = p
			phaseMu.Unlock()
		},
		Logger: log,
	})

	rt = worker.NewRuntime(worker.RuntimeOptions{
		In:       os.Stdin,
		Out:      os.Stdout,
		Runner:   eng,
		Assembly: assemblyBuilder(cfg, store),
		Steering: steering,
		Phase: func() string {
			phaseMu.Lock()
			defer phaseMu.Unlock()
			return phase
		},
		HeartbeatEvery: time.Duration(cfg.Supervisor.HeartbeatSec) * time.Second,
		Logger:         log,
	})

	log.Info().Msg("Worker ready")
	return rt.Run(cmd.Context())
}

// assemblyBuilder renders the three prompt tiers for a task: static
// identity, semi-stable scratchpad, and dynamic runtime state.
func assemblyBuilder(cfg *config.Config, store *budget.Store) worker.AssemblyFunc {
	return func(t task.Task) contextmgr.Assembly {
		a := contextmgr.Assembly{
			Static: []contextmgr.Section{
				{Title: "## Identity", Body: loadPromptOverride(cfg)},
			},
		}

		if scratch := readStateFile(cfg, "scratchpad.md"); scratch != "" {
			a.SemiStable = append(a.SemiStable, contextmgr.Section{
				Title: "## Scratchpad", Body: scratch,
			})
		}
		if knowledge := readStateFile(cfg, "knowledge.md"); knowledge != "" {
			a.SemiStable = append(a.SemiStable, contextmgr.Section{
				Title: "## Knowledge", Body: knowledge,
			})
		}

		st := store.Load()
		a.Dynamic = append(a.Dynamic, contextmgr.Section{
			Title: "## Supervisor",
			Body: fmt.Sprintf("Task type: %s (attempt %d)\nTime: %s\nBudget spent: $%.2f of $%.2f",
				t.Type, t.Attempt, time.Now().UTC().Format(time.RFC3339),
				st.SpentUSD, cfg.Budget.TotalUSD),
		})
		return a
	}
}

func loadPromptOverride(cfg *config.Config) string {
	if body := readStateFile(cfg, "system_prompt.md"); body != "" {
		return body
	}
	return defaultSystemPrompt
}

func readStateFile(cfg *config.Config, name string) string {
	data, err := os.ReadFile(cfg.StatePath(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
