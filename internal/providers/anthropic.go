package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/pkg/models"
)

// Anthropic implements Adapter for the Anthropic Messages API.
//
// Anthropic streams content blocks: tool calls open with a
// content_block_start carrying id and name, accumulate arguments
// through input_json_delta events, and close on content_block_stop.
// Input tokens arrive on message_start, output tokens on message_delta.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates the Anthropic driver.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

// Name implements Adapter.
func (p *Anthropic) Name() catalog.Provider {
	return catalog.ProviderAnthropic
}

const anthropicDefaultMaxTokens = 4096

// Execute implements Adapter. Anthropic always streams; buffered
// callers get the same chunk sequence from the engine's collector.
func (p *Anthropic) Execute(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	system, messages := splitSystem(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(messages),
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *Chunk, 64)
	go p.processStream(ctx, req.Model, stream, chunks)
	return chunks, nil
}

func (p *Anthropic) processStream(ctx context.Context, model string, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	acc := newAccumulator()
	var usage models.Usage
	var stopReason string
	blockIndex := -1
	toolBlock := false

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			blockIndex++
			toolBlock = blockStart.ContentBlock.Type == "tool_use"
			if toolBlock {
				toolUse := blockStart.ContentBlock.AsToolUse()
				delta := ToolCallDelta{Index: blockIndex, ID: toolUse.ID, Name: toolUse.Name}
				acc.add(delta)
				if !send(ctx, chunks, &Chunk{ToolCallDelta: &delta}) {
					return
				}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					if !send(ctx, chunks, &Chunk{Text: blockDelta.Delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					delta := ToolCallDelta{Index: blockIndex, Args: blockDelta.Delta.PartialJSON}
					acc.add(delta)
					if !send(ctx, chunks, &Chunk{ToolCallDelta: &delta}) {
						return
					}
				}
			}

		case "content_block_stop":
			toolBlock = false

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}

		case "message_stop":
			if !send(ctx, chunks, &Chunk{Usage: &usage}) {
				return
			}
			send(ctx, chunks, &Chunk{Finish: p.finishFor(stopReason, acc)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, chunks, &Chunk{Err: p.wrapError(model, err)})
		return
	}
	// Stream ended without message_stop; treat as a clean stop.
	if !send(ctx, chunks, &Chunk{Usage: &usage}) {
		return
	}
	send(ctx, chunks, &Chunk{Finish: p.finishFor(stopReason, acc)})
}

func (p *Anthropic) finishFor(stopReason string, acc *accumulator) *Finish {
	switch stopReason {
	case "max_tokens":
		return &Finish{Reason: FinishLength}
	case "tool_use":
		return &Finish{Reason: FinishToolCalls, ToolCalls: acc.complete()}
	case "refusal":
		return &Finish{Reason: FinishContentFilter}
	}
	return &Finish{Reason: FinishStop}
}

// anthropicErrorPayload mirrors the error body shape for diagnostics.
type anthropicErrorPayload struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) wrapError(model string, err error) *Error {
	name := string(catalog.ProviderAnthropic)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := &Error{
			Provider: name,
			Model:    model,
			Status:   apiErr.StatusCode,
			Cause:    err,
			Kind:     ClassifyStatus(apiErr.StatusCode),
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				e.Message = payload.Error.Message
				e.RawCode = payload.Error.Type
				if kind, ok := classifyCode(payload.Error.Type); ok {
					e.Kind = kind
				}
			}
		}
		if e.Kind == KindBadRequest && strings.Contains(strings.ToLower(e.Message), "prompt is too long") {
			e.Kind = KindContextWindowExceeded
		}
		if e.Kind == KindRateLimited {
			e.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return e
	}
	return Classify(name, model, err)
}

// splitSystem extracts leading system messages into the system prompt
// Anthropic keeps separate from the conversation.
func splitSystem(msgs []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m.Text())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func toAnthropicMessages(msgs []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(content...))
			continue
		}

		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case "text":
					content = append(content, anthropic.NewTextBlock(part.Text))
				case "image_url":
					if part.Data != "" {
						content = append(content, anthropic.NewImageBlockBase64(part.MimeType, part.Data))
					} else if part.URL != "" {
						content = append(content, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.URL}))
					}
				}
			}
		} else {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		out = append(out, anthropic.NewUserMessage(content...))
	}
	return out
}

func toAnthropicTools(tools []models.ToolDescriptor) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" && param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}
