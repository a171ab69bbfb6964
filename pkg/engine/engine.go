// Package engine drives one task through its model-call / tool-call
// rounds inside a worker. The loop terminates on a final answer, the
// round limit, the budget hard stop, or total model failure; every one of
// those paths yields a textual result, never a crash.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/internal/tracing"
	"github.com/autarkd/autark/pkg/contextmgr"
	"github.com/autarkd/autark/pkg/llm"
	"github.com/autarkd/autark/pkg/task"
	"github.com/autarkd/autark/pkg/toolrunner"
)

// Outcome classifies how a task's loop ended.
type Outcome string

const (
	OutcomeFinal            Outcome = "final"
	OutcomeRoundLimit       Outcome = "round_limit"
	OutcomeBudgetExceeded   Outcome = "budget_exceeded"
	OutcomeModelUnavailable Outcome = "model_unavailable"
)

// Result is the terminal state of one task run.
type Result struct {
	Text       string
	Outcome    Outcome
	Usage      task.Usage
	Rounds     int
	ToolCalls  int
	ToolErrors int
}

// ClientPool resolves a model name to a backend client.
type ClientPool interface {
	ClientFor(model string) (llm.Client, error)
}

// BudgetView exposes the remaining global budget to the loop. Nil views
// disable budget enforcement.
type BudgetView interface {
	Remaining() float64
}

// Options wires an Engine.
type Options struct {
	Clients ClientPool
	Tools   *toolrunner.Runner
	Context *contextmgr.Manager

	DefaultModel   string
	LightModel     string
	FallbackModels []string

	MaxRounds          int
	MaxModelRetries    int
	ReflectionInterval int

	Budget           BudgetView
	HardStopFraction float64
	NudgeFraction    float64
	NudgeInterval    int

	// Emit publishes worker events (usage reports, progress messages).
	// Nil disables emission.
	Emit func(task.Event)
	// Steering carries mid-task requester messages; drained every round.
	Steering <-chan string
	// Phase is called as the loop moves between phases; the worker
	// runtime stamps it onto heartbeats. Nil disables.
	Phase func(string)

	Logger zerolog.Logger
}

// Engine runs tasks. One Engine per worker; state between tasks is reset
// through the tool runner.
type Engine struct {
	opts Options
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 200
	}
	if opts.MaxModelRetries <= 0 {
		opts.MaxModelRetries = 3
	}
	if opts.ReflectionInterval <= 0 {
		opts.ReflectionInterval = 50
	}
	if opts.NudgeInterval <= 0 {
		opts.NudgeInterval = 10
	}
	if opts.HardStopFraction <= 0 {
		opts.HardStopFraction = 0.5
	}
	if opts.NudgeFraction <= 0 {
		opts.NudgeFraction = 0.3
	}
	return &Engine{opts: opts}
}

// Run executes the task to completion. The returned Result is always
// usable; errors are reserved for context cancellation.
func (e *Engine) Run(ctx context.Context, t task.Task, assembly contextmgr.Assembly) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "engine", "task.run")
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.opts.Logger).With().
		Str("task_id", t.ID).
		Str("task_type", string(t.Type)).
		Logger()

	run := &taskRun{
		engine:      e,
		task:        t,
		assembly:    assembly,
		activeModel: e.opts.DefaultModel,
		startedAt:   time.Now(),
		logger:      logger,
	}
	run.messages = []llm.Message{userMessage(t)}

	e.opts.Tools.ResetTask()
	defer e.opts.Tools.ResetTask()

	for {
		select {
		case <-ctx.Done():
			return run.result(), ctx.Err()
		default:
		}

		run.round++
		if done := run.oneRound(ctx); done {
			logger.Info().
				Int("rounds", run.round).
				Str("outcome", string(run.outcome)).
				Float64("cost", run.usage.Cost).
				Msg("Task loop finished")
			return run.result(), nil
		}
	}
}

// taskRun is the mutable state of one Run call.
type taskRun struct {
	engine   *Engine
	task     task.Task
	assembly contextmgr.Assembly

	messages    []llm.Message
	activeModel string
	startedAt   time.Time
	round       int
	usage       task.Usage
	toolCalls   int
	toolErrors  int

	finalText string
	outcome   Outcome

	logger zerolog.Logger
}

func (r *taskRun) result() Result {
	r.usage.Rounds = r.round
	return Result{
		Text:       r.finalText,
		Outcome:    r.outcome,
		Usage:      r.usage,
		Rounds:     r.round,
		ToolCalls:  r.toolCalls,
		ToolErrors: r.toolErrors,
	}
}

// oneRound executes a single round. Returns true when the loop is done.
func (r *taskRun) oneRound(ctx context.Context) bool {
	e := r.engine

	if r.round > e.opts.MaxRounds {
		reason := fmt.Sprintf("Task exceeded the %d round limit. Consider decomposing it into smaller tasks.", e.opts.MaxRounds)
		r.finish(OutcomeRoundLimit, r.forcedFinal(ctx, "[ROUND_LIMIT] "+reason+" Give your final response now.", reason))
		return true
	}

	r.maybeInjectReflection()
	r.drainSteering()

	if e.opts.Context.ShouldCompact(r.round, len(r.messages)) {
		r.compactHistory(ctx)
	}

	r.setPhase("model_call")
	resp := r.callModelWithFallback(ctx)
	if resp == nil {
		r.finish(OutcomeModelUnavailable, fmt.Sprintf(
			"Failed to get a response from model %s and its fallbacks after %d attempts each. Giving up on this task; please retry or rephrase.",
			e.opts.DefaultModel, e.opts.MaxModelRetries))
		return true
	}

	if len(resp.ToolCalls) == 0 {
		r.finish(OutcomeFinal, resp.Content)
		return true
	}

	r.messages = append(r.messages, llm.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	if strings.TrimSpace(resp.Content) != "" {
		r.emitProgress(resp.Content)
	}

	r.setPhase("tool_execution")
	results := e.opts.Tools.ExecuteBatch(ctx, resp.ToolCalls)
	for _, res := range results {
		r.toolCalls++
		if !res.Ok() {
			r.toolErrors++
		}
		content := res.Output
		if res.Error != "" {
			content = "Error (" + toolNameFor(resp.ToolCalls, res.ToolCallID) + "): " + res.Error
		}
		r.messages = append(r.messages, llm.Message{
			Role:       "tool",
			ToolCallID: res.ToolCallID,
			Content:    content,
		})
	}

	return r.checkBudget(ctx)
}

// callModelWithFallback calls the active model with retries, then tries
// the first configured fallback that differs from it. Returns nil when
// everything failed.
func (r *taskRun) callModelWithFallback(ctx context.Context) *llm.ChatResponse {
	e := r.engine

	resp := r.callModel(ctx, r.activeModel, true)
	if resp != nil {
		return resp
	}

	var fallback string
	for _, candidate := range e.opts.FallbackModels {
		if candidate != r.activeModel {
			fallback = candidate
			break
		}
	}
	if fallback == "" {
		return nil
	}

	r.logger.Warn().
		Str("from", r.activeModel).
		Str("to", fallback).
		Msg("Falling back after empty model response")
	r.emitProgress(fmt.Sprintf("Switching to fallback model %s after repeated failures", fallback))

	return r.callModel(ctx, fallback, true)
}

// callModel makes one retried chat call and accumulates usage. Returns
// nil on failure or empty response.
func (r *taskRun) callModel(ctx context.Context, model string, withTools bool) *llm.ChatResponse {
	e := r.engine

	client, err := e.opts.Clients.ClientFor(model)
	if err != nil {
		r.logger.Error().Err(err).Str("model", model).Msg("No client for model")
		return nil
	}

	blocks, _ := e.opts.Context.SystemBlocks(r.assembly, r.messages)
	req := llm.ChatRequest{
		Model:    model,
		System:   blocks,
		Messages: r.messages,
	}
	if withTools {
		req.Tools = e.opts.Tools.Specs()
	}

	ctx, span := tracing.StartSpan(ctx, "engine", "model.call")
	defer span.End()

	started := time.Now()
	resp, err := llm.ChatWithRetry(ctx, client, req, e.opts.MaxModelRetries, r.logger)
	observability.RecordModelCall(model, time.Since(started), err == nil)
	if err != nil {
		r.logger.Warn().Err(err).Str("model", model).Int("round", r.round).Msg("Model call failed")
		return nil
	}
	if resp == nil || (strings.TrimSpace(resp.Content) == "" && len(resp.ToolCalls) == 0) {
		r.logger.Warn().Str("model", model).Int("round", r.round).Msg("Empty model response")
		return nil
	}

	r.usage.Add(task.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CachedTokens:     resp.Usage.CachedTokens,
		Cost:             resp.Usage.Cost,
	})
	r.emit(&task.UsageEvent{
		TaskID: r.task.ID,
		Model:  model,
		Usage: task.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CachedTokens:     resp.Usage.CachedTokens,
			Cost:             resp.Usage.Cost,
		},
		Cost: resp.Usage.Cost,
	})
	return resp
}

// checkBudget enforces the spend policy after a tool round. Returns true
// when the loop must stop.
func (r *taskRun) checkBudget(ctx context.Context) bool {
	e := r.engine
	if e.opts.Budget == nil {
		return false
	}

	remaining := e.opts.Budget.Remaining()
	ratio := 1.0
	if remaining > 0 {
		ratio = r.usage.Cost / remaining
	}

	if ratio > e.opts.HardStopFraction {
		reason := fmt.Sprintf("Task spent $%.3f, above %.0f%% of the remaining $%.2f budget.",
			r.usage.Cost, e.opts.HardStopFraction*100, remaining)
		r.logger.Warn().Float64("task_cost", r.usage.Cost).Float64("remaining", remaining).Msg("Budget hard stop")
		r.finish(OutcomeBudgetExceeded, r.forcedFinal(ctx, "[BUDGET LIMIT] "+reason+" Give your final response now.", reason))
		return true
	}

	if ratio > e.opts.NudgeFraction && r.round%e.opts.NudgeInterval == 0 {
		r.messages = append(r.messages, llm.Message{
			Role:    "system",
			Content: fmt.Sprintf("[INFO] Task spent $%.3f of the remaining $%.2f budget. Wrap up if possible.", r.usage.Cost, remaining),
		})
	}
	return false
}

// forcedFinal makes exactly one summarizing call without tools; when even
// that fails the reason text becomes the result.
func (r *taskRun) forcedFinal(ctx context.Context, instruction, reason string) string {
	r.messages = append(r.messages, llm.Message{Role: "system", Content: instruction})
	resp := r.callModel(ctx, r.activeModel, false)
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return reason
	}
	return resp.Content
}

// llmCompactionThreshold is the message count above which compaction
// upgrades from plain truncation to light-model summarization.
const llmCompactionThreshold = 120

// compactHistory shrinks old tool rounds. Plain truncation per round;
// the light model summarizes instead once the history is very long.
func (r *taskRun) compactHistory(ctx context.Context) {
	e := r.engine
	if e.opts.LightModel != "" && len(r.messages) > llmCompactionThreshold {
		if client, err := e.opts.Clients.ClientFor(e.opts.LightModel); err == nil {
			r.messages = e.opts.Context.CompactHistoryLLM(ctx, client, e.opts.LightModel, r.messages)
			return
		}
	}
	r.messages = e.opts.Context.CompactHistory(r.messages)
}

// maybeInjectReflection appends the advisory self-check checkpoint every
// ReflectionInterval rounds.
func (r *taskRun) maybeInjectReflection() {
	e := r.engine
	if r.round <= 1 || r.round%e.opts.ReflectionInterval != 0 {
		return
	}

	tokens := llm.EstimateTokens(r.messages)
	checkpoint := r.round / e.opts.ReflectionInterval
	text := fmt.Sprintf(
		"[CHECKPOINT %d -- round %d/%d]\nContext: ~%d tokens | Cost so far: $%.2f | Rounds remaining: %d\n\n"+
			"Pause and reflect before continuing:\n"+
			"1. Am I making real progress, or repeating the same actions?\n"+
			"2. Is my current strategy working? Should I try something different?\n"+
			"3. Is my context bloated with old tool results I no longer need?\n"+
			"4. Should I stop and return my best result so far?\n\n"+
			"This is not a hard limit; you decide.",
		checkpoint, r.round, e.opts.MaxRounds, tokens, r.usage.Cost, e.opts.MaxRounds-r.round)

	r.messages = append(r.messages, llm.Message{Role: "system", Content: text})
	r.emitProgress(fmt.Sprintf("Checkpoint %d at round %d: ~%d tokens, $%.2f spent", checkpoint, r.round, tokens, r.usage.Cost))
}

// drainSteering appends any requester messages that arrived mid-task.
func (r *taskRun) drainSteering() {
	if r.engine.opts.Steering == nil {
		return
	}
	for {
		select {
		case text, ok := <-r.engine.opts.Steering:
			if !ok {
				return
			}
			r.messages = append(r.messages, llm.Message{
				Role:    "user",
				Content: "[Message from requester during task]: " + text,
			})
		default:
			return
		}
	}
}

func (r *taskRun) finish(outcome Outcome, text string) {
	r.outcome = outcome
	r.finalText = text
	observability.RecordTaskDone(string(r.task.Type), time.Since(r.startedAt), r.round, string(outcome))
}

func (r *taskRun) emit(ev task.Event) {
	if r.engine.opts.Emit != nil {
		r.engine.opts.Emit(ev)
	}
}

func (r *taskRun) emitProgress(text string) {
	r.emit(&task.MessageEvent{
		TaskID:    r.task.ID,
		Recipient: r.task.Recipient,
		Text:      text,
		Progress:  true,
	})
}

func (r *taskRun) setPhase(phase string) {
	if r.engine.opts.Phase != nil {
		r.engine.opts.Phase(phase)
	}
}

func userContent(t task.Task) string {
	if strings.TrimSpace(t.Text) == "" {
		if t.ImageB64 != "" {
			return "Analyze the screenshot"
		}
		return "(empty message)"
	}
	return t.Text
}

// userMessage builds the opening turn from the task payload, carrying an
// attached image through to the provider.
func userMessage(t task.Task) llm.Message {
	return llm.Message{
		Role:      "user",
		Content:   userContent(t),
		ImageB64:  t.ImageB64,
		ImageMime: t.ImageMime,
	}
}

func toolNameFor(calls []llm.ToolCall, id string) string {
	for _, c := range calls {
		if c.ID == id {
			return c.Name
		}
	}
	return "tool"
}
