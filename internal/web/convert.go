package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/workflowai/gateway/pkg/models"
)

// decodeMessages converts wire messages to the normalized form.
// Content may be a plain string or an OpenAI content-part array.
func decodeMessages(in []wireMessage) ([]models.Message, error) {
	out := make([]models.Message, 0, len(in))
	for i, wm := range in {
		msg, err := decodeMessage(wm)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func decodeMessage(wm wireMessage) (models.Message, error) {
	msg := models.Message{
		Role:       models.Role(wm.Role),
		ToolCallID: wm.ToolCallID,
	}
	switch msg.Role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleTool:
	default:
		return msg, fmt.Errorf("unknown role %q", wm.Role)
	}

	for _, tc := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	if len(wm.Content) == 0 {
		return msg, nil
	}
	var text string
	if err := json.Unmarshal(wm.Content, &text); err == nil {
		msg.Content = text
		return msg, nil
	}
	var parts []wireContentPart
	if err := json.Unmarshal(wm.Content, &parts); err != nil {
		return msg, fmt.Errorf("content must be a string or a part array")
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			msg.Parts = append(msg.Parts, models.ContentPart{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return msg, fmt.Errorf("image_url part without url")
			}
			part := models.ContentPart{Type: "image_url", URL: p.ImageURL.URL}
			if data, mime, ok := splitDataURL(p.ImageURL.URL); ok {
				part.URL = ""
				part.Data = data
				part.MimeType = mime
			}
			msg.Parts = append(msg.Parts, part)
		default:
			return msg, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return msg, nil
}

// splitDataURL decodes a data: URL into its base64 payload and mime
// type. Non-data URLs return ok=false.
func splitDataURL(url string) (data, mime string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[semi+len(";base64,"):], rest[:semi], true
}

// decodeClientTools maps OpenAI function tools to descriptors. Only
// type "function" is accepted.
func decodeClientTools(in []wireTool) ([]models.ToolDescriptor, error) {
	out := make([]models.ToolDescriptor, 0, len(in))
	for i, t := range in {
		if t.Type != "function" {
			return nil, fmt.Errorf("tools[%d]: unsupported tool type %q", i, t.Type)
		}
		if t.Function.Name == "" {
			return nil, fmt.Errorf("tools[%d]: function name required", i)
		}
		out = append(out, models.ToolDescriptor{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out, nil
}

// encodeMessage renders a normalized message back to the wire shape.
func encodeMessage(msg models.Message) *wireMessage {
	wm := &wireMessage{
		Role:       string(msg.Role),
		ToolCallID: msg.ToolCallID,
	}
	if text := msg.Text(); text != "" {
		content, _ := json.Marshal(text)
		wm.Content = content
	}
	for _, tc := range msg.ToolCalls {
		wm.ToolCalls = append(wm.ToolCalls, encodeToolCall(tc))
	}
	return wm
}

func encodeToolCall(tc models.ToolCall) wireToolCall {
	return wireToolCall{
		ID:   tc.ID,
		Type: "function",
		Function: wireFunction{
			Name:      tc.Name,
			Arguments: string(tc.Arguments),
		},
	}
}
