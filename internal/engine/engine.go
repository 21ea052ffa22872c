// Package engine drives one chat-completion run end to end: prompt
// assembly, attempt iteration over the router plan, provider
// streaming, the tool loop, accounting and persistence.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/workflowai/gateway/internal/assembler"
	"github.com/workflowai/gateway/internal/cache"
	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/internal/feedback"
	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/internal/providers"
	"github.com/workflowai/gateway/internal/router"
	"github.com/workflowai/gateway/internal/store"
	"github.com/workflowai/gateway/internal/tools"
	"github.com/workflowai/gateway/pkg/models"
)

const (
	// DefaultAttemptTimeout bounds one provider round-trip.
	DefaultAttemptTimeout = 60 * time.Second

	// DefaultIdleTimeout bounds the gap between consecutive chunks.
	DefaultIdleTimeout = 20 * time.Second

	// DefaultToolBudget caps tool turns per run.
	DefaultToolBudget = 8

	// eventBufferDepth bounds the per-run event channel.
	eventBufferDepth = 64
)

// Config wires the engine's collaborators.
type Config struct {
	Assembler *assembler.Assembler
	Planner   *router.Planner
	Providers *providers.Registry
	Tools     *tools.Orchestrator
	Registry  *tools.Registry
	Catalog   *catalog.Catalog
	Signer    *feedback.Signer
	Queue     *store.PersistQueue
	Cache     *cache.CompletionCache
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer

	AttemptTimeout time.Duration
	IdleTimeout    time.Duration
	ToolBudget     int
}

// Engine executes runs.
type Engine struct {
	cfg Config
}

// New builds an engine, applying defaults for unset limits.
func New(cfg Config) *Engine {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ToolBudget <= 0 {
		cfg.ToolBudget = DefaultToolBudget
	}
	return &Engine{cfg: cfg}
}

// Request is one run to execute.
type Request struct {
	Assembly assembler.Request

	Stream bool

	// UseCache is "auto" or "never". Auto reuses an identical cached
	// completion when temperature is pinned to zero.
	UseCache string

	Policy   *router.TenantPolicy
	Metadata map[string]string
}

// Execute starts the run and returns its event bus. The channel closes
// after the finished event; callers must drain it.
func (e *Engine) Execute(ctx context.Context, req *Request) <-chan *Event {
	events := make(chan *Event, eventBufferDepth)
	go e.run(ctx, req, events)
	return events
}

func (e *Engine) run(ctx context.Context, req *Request, events chan<- *Event) {
	defer close(events)
	start := time.Now()
	e.cfg.Metrics.ActiveRuns.Inc()
	defer e.cfg.Metrics.ActiveRuns.Dec()

	run := &models.Run{
		ID:        models.NewRunID(),
		Tenant:    req.Assembly.Tenant,
		AgentID:   req.Assembly.AgentID,
		Model:     req.Assembly.Model,
		Metadata:  req.Metadata,
		CreatedAt: start,
	}
	ctx = observability.AddRunID(ctx, run.ID)
	events <- &Event{Type: EventStart, RunID: run.ID}

	prompt, err := e.cfg.Assembler.Assemble(ctx, &req.Assembly)
	if err != nil {
		e.fail(ctx, run, start, asRunError(err), events)
		return
	}
	// Deprecated models execute as their replacement; the run records
	// the model that actually ran.
	if current, _, ok := e.cfg.Catalog.Resolve(prompt.Model); ok {
		prompt.Model = current.ID
	}
	run.Model = prompt.Model
	run.VersionID = prompt.VersionID
	run.SchemaID = prompt.SchemaID
	run.RequestMessages = prompt.Messages

	if rerr := e.validateSampling(prompt); rerr != nil {
		e.fail(ctx, run, start, rerr, events)
		return
	}

	key := e.cacheKey(req, prompt)
	if key != "" {
		if entry, ok := e.cfg.Cache.Get(key); ok {
			e.cfg.Metrics.RecordCacheLookup(true)
			e.finishFromCache(ctx, run, start, entry, events)
			return
		}
		e.cfg.Metrics.RecordCacheLookup(false)
	}

	toolDescs := append(append([]models.ToolDescriptor(nil), prompt.HostedTools...), prompt.ClientTools...)
	needs := router.NeedsOf(req.Stream, len(toolDescs), len(prompt.ResponseSchema) > 0, prompt.Messages)
	plan, err := e.cfg.Planner.Plan(router.Request{
		Model:          prompt.Model,
		Needs:          needs,
		Policy:         req.Policy,
		ExpectedTokens: prompt.Sampling.MaxTokens,
	})
	if err != nil {
		e.fail(ctx, run, start, asRunError(err), events)
		return
	}

	conversation := append([]models.Message(nil), prompt.Messages...)
	toolTurns := 0

	for i := 0; i < len(plan); {
		attempt := plan[i]
		events <- &Event{Type: EventAttemptStarted, RunID: run.ID, Attempt: &attempt}

		res := e.attempt(ctx, run.ID, attempt, conversation, prompt, toolDescs, req.Stream, events)
		if res.err != nil {
			// A client disconnect is not a provider failure; it neither
			// dents health nor counts as an attempt.
			if ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
				e.cancel(ctx, run, start, events)
				return
			}
			kind, retryable, rawCode := classifyAttempt(res.err)
			run.Attempts = append(run.Attempts, models.AttemptError{
				Provider: string(attempt.Provider),
				Model:    attempt.Model,
				Kind:     kind,
				Message:  res.err.Error(),
				RawCode:  rawCode,
			})
			e.cfg.Planner.Health().Report(attempt.Provider, attempt.Model, false)
			outcome := "terminal"
			if retryable {
				outcome = "retryable"
			}
			e.cfg.Metrics.RecordAttempt(string(attempt.Provider), attempt.Model, outcome)
			rerr := &models.RunError{
				Kind:     kind,
				Message:  res.err.Error(),
				Provider: string(attempt.Provider),
				Model:    attempt.Model,
				Cause:    res.err,
			}
			events <- &Event{Type: EventAttemptFailed, RunID: run.ID, Attempt: &attempt, Err: rerr}

			if retryable && i+1 < len(plan) {
				i++
				continue
			}
			if retryable {
				e.fail(ctx, run, start, &models.RunError{
					Kind:     models.ErrProviderUnavailable,
					Message:  "all provider attempts exhausted",
					Provider: string(attempt.Provider),
					Model:    attempt.Model,
					Cause:    res.err,
				}, events)
				return
			}
			e.fail(ctx, run, start, rerr, events)
			return
		}

		e.cfg.Planner.Health().Report(attempt.Provider, attempt.Model, true)
		e.cfg.Metrics.RecordAttempt(string(attempt.Provider), attempt.Model, "success")
		run.Provider = string(attempt.Provider)
		run.Model = attempt.Model
		run.Completions = append(run.Completions, models.Completion{
			Provider: string(attempt.Provider),
			Model:    attempt.Model,
			Usage:    res.usage,
			CostUSD:  e.completionCost(attempt.Model, res.usage),
		})

		switch res.finish {
		case providers.FinishToolCalls:
			assistant := models.Message{
				Role:      models.RoleAssistant,
				Content:   res.text,
				ToolCalls: res.toolCalls,
			}
			conversation = append(conversation, assistant)

			hosted, client := e.partitionCalls(res.toolCalls)
			if len(client) > 0 {
				// Client-defined tools end the turn; the caller executes
				// them and continues via reply_to_run_id.
				run.ResponseMessages = append(run.ResponseMessages, assistant)
				e.finish(ctx, run, start, "", events)
				return
			}
			toolTurns++
			if toolTurns > e.cfg.ToolBudget {
				e.fail(ctx, run, start, models.NewRunError(models.ErrToolBudgetExceeded,
					"run exceeded %d tool turns", e.cfg.ToolBudget), events)
				return
			}
			results := e.runTools(ctx, run, hosted, events)
			conversation = append(conversation, results...)
			if ctx.Err() != nil {
				e.cancel(ctx, run, start, events)
				return
			}
			continue

		case providers.FinishContentFilter:
			if res.text != "" {
				run.ResponseMessages = append(run.ResponseMessages,
					models.Message{Role: models.RoleAssistant, Content: res.text})
			}
			e.fail(ctx, run, start, &models.RunError{
				Kind:     models.ErrContentFiltered,
				Message:  "response blocked by provider content filter",
				Provider: string(attempt.Provider),
				Model:    attempt.Model,
			}, events)
			return

		default:
			run.ResponseMessages = append(run.ResponseMessages,
				models.Message{Role: models.RoleAssistant, Content: res.text})
			e.finish(ctx, run, start, key, events)
			return
		}
	}
}

type attemptResult struct {
	text      string
	toolCalls []models.ToolCall
	usage     models.Usage
	finish    providers.FinishReason
	err       error
}

// attempt runs one provider round-trip, relaying chunks onto the event
// bus as they arrive.
func (e *Engine) attempt(ctx context.Context, runID string, attempt router.Attempt, conversation []models.Message, prompt *assembler.Prompt, toolDescs []models.ToolDescriptor, stream bool, events chan<- *Event) attemptResult {
	adapter, ok := e.cfg.Providers.Get(attempt.Provider)
	if !ok {
		return attemptResult{err: &providers.Error{
			Kind: providers.KindInternal, Provider: string(attempt.Provider),
			Message: "provider not configured",
		}}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	if e.cfg.Tracer != nil {
		var span trace.Span
		attemptCtx, span = e.cfg.Tracer.TraceLLMRequest(attemptCtx, string(attempt.Provider), attempt.Model)
		defer span.End()
	}

	started := time.Now()
	preq := &providers.Request{
		Model:          attempt.Model,
		Messages:       conversation,
		Temperature:    prompt.Sampling.Temperature,
		TopP:           prompt.Sampling.TopP,
		MaxTokens:      prompt.Sampling.MaxTokens,
		Tools:          toolDescs,
		ResponseSchema: prompt.ResponseSchema,
		Stream:         stream,
	}
	ch, err := adapter.Execute(attemptCtx, preq)
	if err != nil {
		e.recordProviderMetrics(attempt, "error", started, models.Usage{})
		return attemptResult{err: err}
	}

	idle := time.NewTimer(e.cfg.IdleTimeout)
	defer idle.Stop()

	var res attemptResult
	for {
		select {
		case <-attemptCtx.Done():
			e.recordProviderMetrics(attempt, "error", started, res.usage)
			if ctx.Err() != nil {
				res.err = context.Canceled
				return res
			}
			res.err = &providers.Error{
				Kind: providers.KindTimeout, Provider: string(attempt.Provider),
				Model: attempt.Model, Message: "attempt deadline exceeded",
			}
			return res

		case <-idle.C:
			e.recordProviderMetrics(attempt, "error", started, res.usage)
			res.err = &providers.Error{
				Kind: providers.KindTimeout, Provider: string(attempt.Provider),
				Model: attempt.Model, Message: "stream idle timeout",
			}
			return res

		case chunk, open := <-ch:
			if !open {
				if res.finish != "" {
					e.recordProviderMetrics(attempt, "success", started, res.usage)
					return res
				}
				e.recordProviderMetrics(attempt, "error", started, res.usage)
				res.err = &providers.Error{
					Kind: providers.KindNetwork, Provider: string(attempt.Provider),
					Model: attempt.Model, Message: "stream closed before finish",
				}
				return res
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(e.cfg.IdleTimeout)

			if chunk.Err != nil {
				e.recordProviderMetrics(attempt, "error", started, res.usage)
				res.err = chunk.Err
				return res
			}
			switch {
			case chunk.Text != "":
				res.text += chunk.Text
			case chunk.Usage != nil:
				res.usage.Add(*chunk.Usage)
			case chunk.Finish != nil:
				res.finish = chunk.Finish.Reason
				res.toolCalls = chunk.Finish.ToolCalls
			}
			e.emitChunk(ctx, events, runID, chunk)
		}
	}
}

// emitChunk relays a chunk without blocking a cancelled run.
func (e *Engine) emitChunk(ctx context.Context, events chan<- *Event, runID string, chunk *providers.Chunk) {
	select {
	case events <- &Event{Type: EventChunk, RunID: runID, Chunk: chunk}:
	case <-ctx.Done():
	}
}

func (e *Engine) recordProviderMetrics(attempt router.Attempt, status string, started time.Time, usage models.Usage) {
	e.cfg.Metrics.RecordProviderRequest(string(attempt.Provider), attempt.Model, status,
		time.Since(started).Seconds(), usage.InputTokens, usage.OutputTokens)
}

// runTools dispatches hosted tool calls and returns the tool-result
// messages in call order.
func (e *Engine) runTools(ctx context.Context, run *models.Run, calls []models.ToolCall, events chan<- *Event) []models.Message {
	for i := range calls {
		record := models.ToolCallRecord{ID: calls[i].ID, Name: calls[i].Name, Arguments: calls[i].Arguments}
		events <- &Event{Type: EventToolCalled, RunID: run.ID, Tool: &record}
	}
	outcomes := e.cfg.Tools.Execute(ctx, calls)
	messages := make([]models.Message, 0, len(outcomes))
	for _, o := range outcomes {
		run.ToolCalls = append(run.ToolCalls, o.Record)
		messages = append(messages, o.Message)
		e.cfg.Metrics.RecordToolExecution(o.Record.Name, string(o.Record.Status), o.Record.Duration.Seconds())
		record := o.Record
		events <- &Event{Type: EventToolReturned, RunID: run.ID, Tool: &record}
	}
	return messages
}

func (e *Engine) partitionCalls(calls []models.ToolCall) (hosted, client []models.ToolCall) {
	for _, c := range calls {
		if _, ok := e.cfg.Registry.Get(c.Name); ok {
			hosted = append(hosted, c)
		} else {
			client = append(client, c)
		}
	}
	return hosted, client
}

// validateSampling rejects max_tokens outside the model's bounds
// before any provider dispatch.
func (e *Engine) validateSampling(prompt *assembler.Prompt) *models.RunError {
	if prompt.Sampling.MaxTokens <= 0 {
		return nil
	}
	m, ok := e.cfg.Catalog.Get(prompt.Model)
	if !ok {
		return nil
	}
	if m.MinMaxTokens > 0 && prompt.Sampling.MaxTokens < m.MinMaxTokens {
		return models.NewRunError(models.ErrInvalidRequest,
			"max_tokens %d is below the model minimum %d", prompt.Sampling.MaxTokens, m.MinMaxTokens)
	}
	if m.ContextWindow > 0 && prompt.Sampling.MaxTokens > m.ContextWindow {
		return models.NewRunError(models.ErrContextWindowExceeded,
			"max_tokens %d exceeds the %d token context window", prompt.Sampling.MaxTokens, m.ContextWindow)
	}
	return nil
}

// cacheKey returns "" when the request is not cacheable.
func (e *Engine) cacheKey(req *Request, prompt *assembler.Prompt) string {
	if e.cfg.Cache == nil || req.UseCache == "never" {
		return ""
	}
	if prompt.Sampling.Temperature == nil || *prompt.Sampling.Temperature != 0 {
		return ""
	}
	payload, err := json.Marshal(struct {
		Tenant   string                  `json:"tenant"`
		Model    string                  `json:"model"`
		Messages []models.Message        `json:"messages"`
		Sampling models.SamplingParams   `json:"sampling"`
		Tools    []models.ToolDescriptor `json:"tools,omitempty"`
		Schema   json.RawMessage         `json:"schema,omitempty"`
	}{
		Tenant:   req.Assembly.Tenant,
		Model:    prompt.Model,
		Messages: prompt.Messages,
		Sampling: prompt.Sampling,
		Tools:    append(append([]models.ToolDescriptor(nil), prompt.HostedTools...), prompt.ClientTools...),
		Schema:   prompt.ResponseSchema,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// finishFromCache completes the run from a cached completion. No
// provider was called, so the run carries no completions and no cost.
func (e *Engine) finishFromCache(ctx context.Context, run *models.Run, start time.Time, entry *cache.Entry, events chan<- *Event) {
	run.Provider = entry.Provider
	run.Model = entry.Model
	run.ResponseMessages = []models.Message{entry.Message}
	// Copy before marking so the caller's metadata map stays untouched.
	meta := make(map[string]string, len(run.Metadata)+1)
	for k, v := range run.Metadata {
		meta[k] = v
	}
	meta["cached"] = "true"
	run.Metadata = meta
	e.emitChunk(ctx, events, run.ID, &providers.Chunk{Text: entry.Message.Content})
	e.emitChunk(ctx, events, run.ID, &providers.Chunk{Finish: &providers.Finish{Reason: providers.FinishStop}})
	e.finish(ctx, run, start, "", events)
}

func (e *Engine) completionCost(modelID string, usage models.Usage) float64 {
	m, ok := e.cfg.Catalog.Get(modelID)
	if !ok {
		return 0
	}
	return m.Cost(usage)
}

// finish seals a successful run: accounting, feedback token, persist.
func (e *Engine) finish(ctx context.Context, run *models.Run, start time.Time, cacheKey string, events chan<- *Event) {
	run.Status = models.RunSuccess
	run.Duration = time.Since(start)
	for _, c := range run.Completions {
		run.Usage.Add(c.Usage)
		run.CostUSD += c.CostUSD
	}
	if m, ok := e.cfg.Catalog.Get(run.Model); ok {
		run.ContextWindowUsagePercent = models.ContextWindowUsagePercent(run.Usage, m.ContextWindow)
	}
	token, err := e.cfg.Signer.Sign(run.ID)
	if err != nil {
		e.cfg.Logger.Error(ctx, "feedback token signing failed", "run_id", run.ID, "error", err)
	} else {
		run.FeedbackToken = token
	}
	if cacheKey != "" && len(run.ResponseMessages) > 0 {
		e.cfg.Cache.Put(cacheKey, &cache.Entry{
			Message:  run.ResponseMessages[len(run.ResponseMessages)-1],
			Usage:    run.Usage,
			Model:    run.Model,
			Provider: run.Provider,
			CostUSD:  run.CostUSD,
			RunID:    run.ID,
		})
	}
	e.seal(ctx, run, events, nil)
}

// fail seals a failed run with its error kind.
func (e *Engine) fail(ctx context.Context, run *models.Run, start time.Time, rerr *models.RunError, events chan<- *Event) {
	run.Status = models.RunFailed
	run.Duration = time.Since(start)
	run.ErrorKind = rerr.Kind
	run.Error = rerr.Error()
	for _, c := range run.Completions {
		run.Usage.Add(c.Usage)
		run.CostUSD += c.CostUSD
	}
	e.seal(ctx, run, events, rerr)
}

// cancel seals a cancelled run. Partial output already accumulated is
// persisted; no feedback token is issued.
func (e *Engine) cancel(ctx context.Context, run *models.Run, start time.Time, events chan<- *Event) {
	run.Status = models.RunCancelled
	run.Duration = time.Since(start)
	run.ErrorKind = models.ErrCancelled
	for _, c := range run.Completions {
		run.Usage.Add(c.Usage)
		run.CostUSD += c.CostUSD
	}
	e.seal(ctx, run, events, models.NewRunError(models.ErrCancelled, "run cancelled by client"))
}

func (e *Engine) seal(ctx context.Context, run *models.Run, events chan<- *Event, rerr *models.RunError) {
	if m, ok := e.cfg.Catalog.Get(run.Model); ok && run.ContextWindowUsagePercent == 0 {
		run.ContextWindowUsagePercent = models.ContextWindowUsagePercent(run.Usage, m.ContextWindow)
	}
	if !e.cfg.Queue.Enqueue(run) {
		e.cfg.Metrics.RecordPersistFailure("queue_full")
		e.cfg.Logger.Error(ctx, "run dropped by persistence queue", "run_id", run.ID)
	}
	e.cfg.Metrics.RecordRun(string(run.Status), string(run.ErrorKind), run.Duration.Seconds())
	e.cfg.Metrics.RecordSpend(run.Provider, run.Model, run.CostUSD)

	ev := &Event{Type: EventFinished, RunID: run.ID, Run: run, Err: rerr}
	events <- ev
}

// asRunError coerces assembler and router failures to a RunError.
func asRunError(err error) *models.RunError {
	if rerr, ok := models.AsRunError(err); ok {
		return rerr
	}
	return &models.RunError{Kind: models.ErrInternal, Message: err.Error(), Cause: err}
}

// classifyAttempt maps a provider failure to the caller-facing kind
// and the router's retry decision.
func classifyAttempt(err error) (models.ErrorKind, bool, string) {
	if errors.Is(err, context.Canceled) {
		return models.ErrCancelled, false, ""
	}
	pe, ok := providers.AsError(err)
	if !ok {
		return models.ErrInternal, true, ""
	}
	retryable := pe.Kind.Retryable()
	switch pe.Kind {
	case providers.KindRateLimited:
		return models.ErrRateLimited, retryable, pe.RawCode
	case providers.KindAuthFailed:
		return models.ErrAuthFailed, retryable, pe.RawCode
	case providers.KindBadRequest:
		return models.ErrInvalidRequest, retryable, pe.RawCode
	case providers.KindContextWindowExceeded:
		return models.ErrContextWindowExceeded, retryable, pe.RawCode
	case providers.KindContentFiltered:
		return models.ErrContentFiltered, retryable, pe.RawCode
	case providers.KindOverloaded, providers.KindTimeout, providers.KindNetwork, providers.KindInternal:
		return models.ErrProviderUnavailable, retryable, pe.RawCode
	}
	return models.ErrInternal, retryable, pe.RawCode
}
