package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/workflowai/gateway/internal/catalog"
	"github.com/workflowai/gateway/pkg/models"
)

// Google implements Adapter for the Gemini API via the Gen AI SDK.
//
// Gemini delivers function calls whole, never fragmented, and does not
// assign call ids; the driver synthesizes ids so the tool loop can key
// results the same way it does for the other providers.
type Google struct {
	client *genai.Client
	callID atomic.Uint64
}

// NewGoogle creates the Gemini driver.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &Google{client: client}, nil
}

// Name implements Adapter.
func (p *Google) Name() catalog.Provider {
	return catalog.ProviderGoogle
}

// Execute implements Adapter.
func (p *Google) Execute(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	system, rest := splitSystem(req.Messages)
	contents := toGeminiContents(rest)
	config := p.buildConfig(req, system)

	chunks := make(chan *Chunk, 64)
	go func() {
		defer close(chunks)

		acc := newAccumulator()
		var usage models.Usage
		finish := &Finish{Reason: FinishStop}
		toolIndex := 0

		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				send(ctx, chunks, &Chunk{Err: p.wrapError(req.Model, err)})
				return
			}
			if resp == nil {
				continue
			}
			if meta := resp.UsageMetadata; meta != nil {
				usage.InputTokens = int(meta.PromptTokenCount)
				usage.OutputTokens = int(meta.CandidatesTokenCount)
				usage.ReasoningTokens = int(meta.ThoughtsTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				switch candidate.FinishReason {
				case genai.FinishReasonMaxTokens:
					finish.Reason = FinishLength
				case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
					finish.Reason = FinishContentFilter
				}
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if !send(ctx, chunks, &Chunk{Text: part.Text}) {
							return
						}
					}
					if fc := part.FunctionCall; fc != nil {
						args, jerr := json.Marshal(fc.Args)
						if jerr != nil {
							args = []byte("{}")
						}
						delta := ToolCallDelta{
							Index: toolIndex,
							ID:    p.nextCallID(fc.Name),
							Name:  fc.Name,
							Args:  string(args),
						}
						toolIndex++
						acc.add(delta)
						if !send(ctx, chunks, &Chunk{ToolCallDelta: &delta}) {
							return
						}
					}
				}
			}
		}

		if calls := acc.complete(); len(calls) > 0 {
			finish = &Finish{Reason: FinishToolCalls, ToolCalls: calls}
		}
		if !send(ctx, chunks, &Chunk{Usage: &usage}) {
			return
		}
		send(ctx, chunks, &Chunk{Finish: finish})
	}()
	return chunks, nil
}

func (p *Google) buildConfig(req *Request, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.TopP))
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	if len(req.ResponseSchema) > 0 {
		var schemaMap map[string]any
		if json.Unmarshal(req.ResponseSchema, &schemaMap) == nil {
			config.ResponseMIMEType = "application/json"
			config.ResponseSchema = toGeminiSchema(schemaMap)
		}
	}
	return config
}

func (p *Google) nextCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, p.callID.Add(1))
}

func (p *Google) wrapError(model string, err error) *Error {
	name := string(catalog.ProviderGoogle)

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		e := &Error{
			Provider: name,
			Model:    model,
			Status:   apiErr.Code,
			RawCode:  apiErr.Status,
			Message:  apiErr.Message,
			Cause:    err,
			Kind:     ClassifyStatus(apiErr.Code),
		}
		msg := strings.ToLower(apiErr.Message)
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			e.Kind = KindRateLimited
		}
		if e.Kind == KindBadRequest && strings.Contains(msg, "token count") {
			e.Kind = KindContextWindowExceeded
		}
		return e
	}
	return Classify(name, model, err)
}

func toGeminiContents(msgs []models.Message) []*genai.Content {
	var out []*genai.Content
	toolNames := toolNamesByCallID(msgs)

	for _, msg := range msgs {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		switch msg.Role {
		case models.RoleTool:
			var response map[string]any
			if json.Unmarshal([]byte(msg.Content), &response) != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNames[msg.ToolCallID],
					Response: response,
				},
			})

		case models.RoleAssistant:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if json.Unmarshal(tc.Arguments, &args) != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}

		default:
			if len(msg.Parts) > 0 {
				for _, part := range msg.Parts {
					content.Parts = append(content.Parts, toGeminiPart(part))
				}
			} else {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func toGeminiPart(part models.ContentPart) *genai.Part {
	switch part.Type {
	case "image_url", "input_audio":
		if part.Data != "" {
			if raw, err := base64.StdEncoding.DecodeString(part.Data); err == nil {
				return &genai.Part{InlineData: &genai.Blob{Data: raw, MIMEType: part.MimeType}}
			}
		}
		if part.URL != "" {
			return &genai.Part{FileData: &genai.FileData{FileURI: part.URL, MIMEType: part.MimeType}}
		}
	}
	return &genai.Part{Text: part.Text}
}

// toolNamesByCallID maps synthesized call ids back to function names so
// tool results can reference the declaration Gemini expects.
func toolNamesByCallID(msgs []models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range msgs {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	return names
}

func toGeminiTools(tools []models.ToolDescriptor) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map into the SDK's schema type.
// Only the subset Gemini understands is carried over.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}
