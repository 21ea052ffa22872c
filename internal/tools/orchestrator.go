package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/pkg/models"
)

const (
	// maxParallelCalls bounds how many tool executions run at once
	// within a single tool turn.
	maxParallelCalls = 4

	// perCallTimeout is the hard deadline for one tool execution.
	perCallTimeout = 15 * time.Second
)

// Outcome pairs the tool-result message with the execution record kept
// on the run.
type Outcome struct {
	Message models.Message
	Record  models.ToolCallRecord
}

// Orchestrator executes the hosted tool calls a model requested. Tool
// failures are reported back to the model as tool results, never as
// run errors.
type Orchestrator struct {
	registry *Registry
	logger   *observability.Logger
	tracer   *observability.Tracer

	parallel int
	timeout  time.Duration
}

// NewOrchestrator builds an orchestrator over the registry.
func NewOrchestrator(registry *Registry, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		logger:   logger,
		parallel: maxParallelCalls,
		timeout:  perCallTimeout,
	}
}

// WithTracer enables a span per tool execution.
func (o *Orchestrator) WithTracer(tracer *observability.Tracer) *Orchestrator {
	o.tracer = tracer
	return o
}

// Execute runs every call and returns one outcome per call, ordered as
// the calls were requested.
func (o *Orchestrator) Execute(ctx context.Context, calls []models.ToolCall) []Outcome {
	outcomes := make([]Outcome, len(calls))
	sem := make(chan struct{}, o.parallel)
	done := make(chan int, len(calls))

	for i, call := range calls {
		go func(i int, call models.ToolCall) {
			defer func() { done <- i }()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = o.executeOne(ctx, call)
		}(i, call)
	}
	for range calls {
		<-done
	}
	return outcomes
}

func (o *Orchestrator) executeOne(ctx context.Context, call models.ToolCall) Outcome {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}

	started := time.Now()
	record := models.ToolCallRecord{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		StartedAt: started,
	}

	tool, ok := o.registry.Get(call.Name)
	if !ok {
		record.Status = models.ToolCallError
		record.Duration = time.Since(started)
		return o.outcome(call, record, nil, fmt.Errorf("unknown tool %q", call.Name))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := tool.Execute(callCtx, call.Arguments)
	record.Duration = time.Since(started)
	switch {
	case err == nil:
		record.Status = models.ToolCallSuccess
		record.Result = string(result)
	case callCtx.Err() == context.DeadlineExceeded:
		record.Status = models.ToolCallTimeout
		err = fmt.Errorf("tool %q timed out after %s", call.Name, o.timeout)
	default:
		record.Status = models.ToolCallError
	}
	if err != nil {
		o.logger.Warn(ctx, "tool call failed",
			"tool", call.Name,
			"call_id", call.ID,
			"status", string(record.Status),
			"error", err,
		)
	}
	return o.outcome(call, record, result, err)
}

// outcome builds the tool-result message the model reads next turn.
// Errors are serialized into the result body so the model can recover.
func (o *Orchestrator) outcome(call models.ToolCall, record models.ToolCallRecord, result json.RawMessage, err error) Outcome {
	content := string(result)
	if err != nil {
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		content = string(body)
		record.Result = content
	}
	return Outcome{
		Message: models.Message{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		},
		Record: record,
	}
}
