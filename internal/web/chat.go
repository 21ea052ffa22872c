package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/workflowai/gateway/internal/assembler"
	"github.com/workflowai/gateway/internal/engine"
	"github.com/workflowai/gateway/internal/observability"
	"github.com/workflowai/gateway/pkg/models"
)

// defaultAgentID is used when metadata carries no agent_id key.
const defaultAgentID = "default"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, tenant string) {
	if !s.rateLimit(w, r, tenant) {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, models.NewRunError(models.ErrInvalidRequest, "malformed request body"))
		return
	}

	engineReq, rerr := s.buildRunRequest(tenant, &req)
	if rerr != nil {
		s.writeError(w, r, rerr)
		return
	}

	events := s.cfg.Engine.Execute(r.Context(), engineReq)

	if req.Stream {
		s.streamResponse(w, r, events)
		return
	}
	s.bufferedResponse(w, r, engineReq, events)
}

// buildRunRequest validates the wire request and maps it onto the
// engine's request shape.
func (s *Server) buildRunRequest(tenant string, req *chatRequest) (*engine.Request, *models.RunError) {
	if req.Model == "" {
		return nil, models.NewRunError(models.ErrInvalidRequest, "model is required")
	}
	_, isAlias := models.ParseDeploymentAlias(req.Model)
	if len(req.Messages) == 0 && !isAlias {
		return nil, models.NewRunError(models.ErrInvalidRequest, "messages are required unless model is a deployment alias")
	}

	messages, err := decodeMessages(req.Messages)
	if err != nil {
		return nil, models.NewRunError(models.ErrInvalidRequest, "%s", err.Error())
	}
	clientTools, err := decodeClientTools(req.Tools)
	if err != nil {
		return nil, models.NewRunError(models.ErrInvalidRequest, "%s", err.Error())
	}

	var schema json.RawMessage
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			if rf.JSONSchema == nil || len(rf.JSONSchema.Schema) == 0 {
				return nil, models.NewRunError(models.ErrInvalidRequest, "response_format.json_schema.schema is required")
			}
			if _, err := jsonschema.CompileString("response_format.json", string(rf.JSONSchema.Schema)); err != nil {
				return nil, models.NewRunError(models.ErrInvalidRequest, "invalid response schema: %s", err.Error())
			}
			schema = rf.JSONSchema.Schema
		case "text", "":
		default:
			return nil, models.NewRunError(models.ErrInvalidRequest, "unsupported response_format type %q", rf.Type)
		}
	}

	agentID := defaultAgentID
	if id, ok := req.Metadata["agent_id"]; ok && id != "" {
		agentID = id
	}

	assembly := assembler.Request{
		Tenant:      tenant,
		AgentID:     agentID,
		Model:       req.Model,
		Messages:    messages,
		ClientTools: clientTools,
		Sampling: models.SamplingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
		ResponseSchema: schema,
	}

	useCache := "auto"
	if eb := req.ExtraBody; eb != nil {
		assembly.Input = eb.Input
		assembly.ReplyToRunID = eb.ReplyToRunID
		assembly.HostedTools = eb.WorkflowAITools
		if eb.UseCache != "" {
			if eb.UseCache != "auto" && eb.UseCache != "never" {
				return nil, models.NewRunError(models.ErrInvalidRequest, "use_cache must be auto or never")
			}
			useCache = eb.UseCache
		}
	}

	return &engine.Request{
		Assembly: assembly,
		Stream:   req.Stream,
		UseCache: useCache,
		Policy:   s.cfg.Policies[tenant],
		Metadata: req.Metadata,
	}, nil
}

// bufferedResponse drains the event bus and renders one JSON object.
func (s *Server) bufferedResponse(w http.ResponseWriter, r *http.Request, req *engine.Request, events <-chan *engine.Event) {
	var finished *engine.Event
	for ev := range events {
		if ev.Type == engine.EventFinished {
			finished = ev
		}
	}
	if finished == nil || finished.Run == nil {
		s.writeError(w, r, models.NewRunError(models.ErrInternal, "run produced no result"))
		return
	}
	run := finished.Run
	if finished.Err != nil {
		s.writeError(w, r, finished.Err)
		return
	}

	s.validateStructuredOutput(r, req, run)

	choice := chatChoice{
		Index:         0,
		FinishReason:  finishReason(run),
		FeedbackToken: run.FeedbackToken,
	}
	if msg := finalAssistantMessage(run); msg != nil {
		choice.Message = encodeMessage(*msg)
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      run.ID,
		Object:  "chat.completion",
		Created: run.CreatedAt.Unix(),
		Model:   run.Model,
		Choices: []chatChoice{choice},
		Usage: &wireUsage{
			PromptTokens:     run.Usage.InputTokens,
			CompletionTokens: run.Usage.OutputTokens,
			TotalTokens:      run.Usage.InputTokens + run.Usage.OutputTokens,
		},
		CostUSD:         run.CostUSD,
		DurationSeconds: run.Duration.Seconds(),
	})
}

// streamResponse relays chunk events as server-sent events. The final
// delta carries the feedback token and accounting fields; mid-stream
// failures end the stream cleanly with an error event.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, events <-chan *engine.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var runID string
	opened := false

	for ev := range events {
		switch ev.Type {
		case engine.EventStart:
			runID = ev.RunID
			s.writeSSE(w, flusher, streamChunk(runID, chatChoice{Delta: &wireDelta{Role: "assistant"}}))
			opened = true

		case engine.EventChunk:
			if ev.Chunk == nil {
				continue
			}
			if ev.Chunk.Text != "" {
				s.writeSSE(w, flusher, streamChunk(runID, chatChoice{Delta: &wireDelta{Content: ev.Chunk.Text}}))
			}
			if d := ev.Chunk.ToolCallDelta; d != nil {
				s.writeSSE(w, flusher, streamChunk(runID, chatChoice{Delta: &wireDelta{
					ToolCalls: []wireToolCall{{
						ID:   d.ID,
						Type: "function",
						Function: wireFunction{
							Name:      d.Name,
							Arguments: d.Args,
						},
					}},
				}}))
			}

		case engine.EventFinished:
			if !opened && ev.RunID != "" {
				runID = ev.RunID
			}
			if ev.Err != nil {
				s.writeSSE(w, flusher, errorEnvelope{Error: errorBody{
					Kind:      string(ev.Err.Kind),
					Message:   ev.Err.Message,
					Provider:  ev.Err.Provider,
					Model:     ev.Err.Model,
					RequestID: observability.GetRequestID(r.Context()),
				}})
				break
			}
			run := ev.Run
			final := chatChoice{
				FinishReason: finishReason(run),
				Delta: &wireDelta{
					FeedbackToken:   run.FeedbackToken,
					CostUSD:         run.CostUSD,
					DurationSeconds: run.Duration.Seconds(),
				},
			}
			s.writeSSE(w, flusher, streamChunk(runID, final))
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if flusher != nil {
		flusher.Flush()
	}
}

func streamChunk(runID string, choice chatChoice) chatResponse {
	return chatResponse{
		ID:      runID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Choices: []chatChoice{choice},
	}
}

// validateStructuredOutput checks a successful structured-output run
// against its declared schema. Violations are logged, not retracted;
// the text was already paid for and may still be useful to the caller.
func (s *Server) validateStructuredOutput(r *http.Request, req *engine.Request, run *models.Run) {
	if len(req.Assembly.ResponseSchema) == 0 || run.Status != models.RunSuccess {
		return
	}
	msg := finalAssistantMessage(run)
	if msg == nil {
		return
	}
	compiled, err := jsonschema.CompileString("response_format.json", string(req.Assembly.ResponseSchema))
	if err != nil {
		return
	}
	var value any
	if err := json.Unmarshal([]byte(msg.Text()), &value); err != nil {
		s.cfg.Logger.Warn(r.Context(), "structured output is not valid JSON", "run_id", run.ID)
		return
	}
	if err := compiled.Validate(value); err != nil {
		s.cfg.Logger.Warn(r.Context(), "structured output violates declared schema", "run_id", run.ID, "error", err)
	}
}

// finalAssistantMessage returns the last assistant message of the run.
func finalAssistantMessage(run *models.Run) *models.Message {
	for i := len(run.ResponseMessages) - 1; i >= 0; i-- {
		if run.ResponseMessages[i].Role == models.RoleAssistant {
			return &run.ResponseMessages[i]
		}
	}
	return nil
}

func finishReason(run *models.Run) string {
	if msg := finalAssistantMessage(run); msg != nil && len(msg.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

