package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/pkg/models"
)

// OpenAI implements Adapter for the OpenAI chat-completions API.
//
// Streaming specifics: tool calls arrive incrementally (id, name and
// argument fragments in separate deltas, keyed by index) and are
// coalesced before the finish chunk; usage arrives in a trailing
// empty-choice chunk when stream_options.include_usage is set.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI creates the OpenAI driver. baseURL overrides the API host
// for compatible gateways; empty uses the default.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Name implements Adapter.
func (p *OpenAI) Name() catalog.Provider {
	return catalog.ProviderOpenAI
}

// Execute implements Adapter.
func (p *OpenAI) Execute(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}
	if len(req.ResponseSchema) > 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(req.ResponseSchema),
				Strict: true,
			},
		}
	}

	if !req.Stream {
		return p.executeBuffered(ctx, chatReq)
	}

	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(req.Model, err)
	}

	chunks := make(chan *Chunk, 64)
	go p.processStream(ctx, req.Model, stream, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, model string, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	acc := newAccumulator()
	var finish *Finish

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if finish == nil {
					finish = &Finish{Reason: FinishStop}
				}
				send(ctx, chunks, &Chunk{Finish: finish})
				return
			}
			send(ctx, chunks, &Chunk{Err: p.wrapError(model, err)})
			return
		}

		// The trailing include_usage chunk has no choices.
		if resp.Usage != nil {
			usage := &models.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
			if d := resp.Usage.CompletionTokensDetails; d != nil {
				usage.ReasoningTokens = d.ReasoningTokens
				usage.OutputTokens -= d.ReasoningTokens
			}
			if !send(ctx, chunks, &Chunk{Usage: usage}) {
				return
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &Chunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			delta := ToolCallDelta{Index: idx, ID: tc.ID, Name: tc.Function.Name, Args: tc.Function.Arguments}
			acc.add(delta)
			if !send(ctx, chunks, &Chunk{ToolCallDelta: &delta}) {
				return
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonStop:
			finish = &Finish{Reason: FinishStop}
		case openai.FinishReasonLength:
			finish = &Finish{Reason: FinishLength}
		case openai.FinishReasonToolCalls:
			finish = &Finish{Reason: FinishToolCalls, ToolCalls: acc.complete()}
		case openai.FinishReasonContentFilter:
			finish = &Finish{Reason: FinishContentFilter}
		}
	}
}

// executeBuffered performs a non-streaming call and synthesizes the
// chunk sequence.
func (p *OpenAI) executeBuffered(ctx context.Context, chatReq openai.ChatCompletionRequest) (<-chan *Chunk, error) {
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(chatReq.Model, err)
	}
	chunks := make(chan *Chunk, 4)
	go func() {
		defer close(chunks)
		if len(resp.Choices) == 0 {
			send(ctx, chunks, &Chunk{Err: &Error{
				Kind: KindInternal, Provider: string(catalog.ProviderOpenAI),
				Model: chatReq.Model, Message: "response contained no choices",
			}})
			return
		}
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			if !send(ctx, chunks, &Chunk{Text: choice.Message.Content}) {
				return
			}
		}
		usage := &models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if d := resp.Usage.CompletionTokensDetails; d != nil {
			usage.ReasoningTokens = d.ReasoningTokens
			usage.OutputTokens -= d.ReasoningTokens
		}
		if !send(ctx, chunks, &Chunk{Usage: usage}) {
			return
		}

		finish := &Finish{Reason: FinishStop}
		switch choice.FinishReason {
		case openai.FinishReasonLength:
			finish.Reason = FinishLength
		case openai.FinishReasonContentFilter:
			finish.Reason = FinishContentFilter
		case openai.FinishReasonToolCalls:
			finish.Reason = FinishToolCalls
			for _, tc := range choice.Message.ToolCalls {
				finish.ToolCalls = append(finish.ToolCalls, models.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				})
			}
		}
		send(ctx, chunks, &Chunk{Finish: finish})
	}()
	return chunks, nil
}

// wrapError maps SDK errors onto the classified taxonomy.
func (p *OpenAI) wrapError(model string, err error) *Error {
	name := string(catalog.ProviderOpenAI)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := &Error{
			Provider: name,
			Model:    model,
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
			Cause:    err,
			Kind:     ClassifyStatus(apiErr.HTTPStatusCode),
		}
		if code, ok := apiErr.Code.(string); ok {
			e.RawCode = code
			if kind, ok := classifyCode(code); ok {
				e.Kind = kind
			}
		}
		if kind, ok := classifyCode(apiErr.Type); ok && e.RawCode == "" {
			e.RawCode = apiErr.Type
			e.Kind = kind
		}
		if e.Kind == KindBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "context length") {
			e.Kind = KindContextWindowExceeded
		}
		if e.Kind == KindRateLimited {
			e.RetryAfter = retryAfterFromMessage(apiErr.Message)
		}
		return e
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Provider: name,
			Model:    model,
			Status:   reqErr.HTTPStatusCode,
			Message:  reqErr.Error(),
			Cause:    err,
			Kind:     ClassifyStatus(reqErr.HTTPStatusCode),
		}
	}

	return Classify(name, model, err)
}

// retryAfterFromMessage extracts the "try again in Ns" hint OpenAI
// embeds in 429 messages.
func retryAfterFromMessage(msg string) time.Duration {
	const marker = "try again in "
	i := strings.Index(strings.ToLower(msg), marker)
	if i < 0 {
		return 0
	}
	rest := msg[i+len(marker):]
	end := strings.IndexAny(rest, ". ")
	if end > 0 {
		rest = rest[:end]
	}
	if d, err := time.ParseDuration(rest); err == nil {
		return d
	}
	return 0
}

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		m := openai.ChatCompletionMessage{Role: string(msg.Role)}
		switch msg.Role {
		case models.RoleTool:
			m.Content = msg.Content
			m.ToolCallID = msg.ToolCallID
		case models.RoleAssistant:
			m.Content = msg.Content
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		default:
			if len(msg.Parts) > 0 {
				for _, part := range msg.Parts {
					switch part.Type {
					case "text":
						m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeText,
							Text: part.Text,
						})
					case "image_url":
						url := part.URL
						if url == "" && part.Data != "" {
							url = "data:" + part.MimeType + ";base64," + part.Data
						}
						m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
						})
					}
				}
			} else {
				m.Content = msg.Content
			}
		}
		out = append(out, m)
	}
	return out
}

func toOpenAITools(tools []models.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
