package protocol

import (
	"encoding/json"
	"strings"
)

// Content part types.
const (
	ContentInputText = "input_text"
	ContentText      = "text" // legacy browser form of input_text
)

// ContentPart is one element of a conversation item's content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is a conversation item as read by the server. Fields the server does
// not need are ignored; frames are always forwarded in their raw form.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// UpstreamEvent holds the fields of upstream events the server reads.
type UpstreamEvent struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript,omitempty"`
	Item       *Item       `json:"item,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Error *UpstreamError `json:"error,omitempty"`
}

// UpstreamError is the error object of an upstream error event.
type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ItemCreate is a conversation.item.create frame.
type ItemCreate struct {
	Type MessageType `json:"type"`
	Item Item        `json:"item"`
}

// UserText returns the text of a user message item, joining text parts with
// a space. ok is false for non-user items and items without text.
func (it *Item) UserText() (text string, ok bool) {
	if it == nil || it.Role != "user" {
		return "", false
	}
	return it.joined(ContentInputText, ContentText), true
}

// AssistantText joins the text parts of an assistant item.
func (it *Item) AssistantText() string {
	if it == nil || it.Role != "assistant" {
		return ""
	}
	return it.joined(ContentText)
}

func (it *Item) joined(types ...string) string {
	var parts []string
	for _, c := range it.Content {
		for _, t := range types {
			if c.Type == t && c.Text != "" {
				parts = append(parts, c.Text)
				break
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// NormalizeItemCreate rewrites legacy "text" content parts of a
// conversation.item.create to "input_text", preserving every other field.
// The input is returned unchanged when nothing needed rewriting.
func NormalizeItemCreate(raw []byte) ([]byte, error) {
	var frame map[string]json.RawMessage
	if err := Decode(raw, &frame); err != nil {
		return raw, err
	}
	itemRaw, ok := frame["item"]
	if !ok {
		return raw, nil
	}

	var item map[string]json.RawMessage
	if err := Decode(itemRaw, &item); err != nil {
		return raw, err
	}
	contentRaw, ok := item["content"]
	if !ok {
		return raw, nil
	}

	var content []map[string]any
	if err := Decode(contentRaw, &content); err != nil {
		return raw, err
	}

	changed := false
	for _, part := range content {
		if part["type"] == ContentText {
			part["type"] = ContentInputText
			changed = true
		}
	}
	if !changed {
		return raw, nil
	}

	item["content"] = mustRaw(content)
	frame["item"] = mustRaw(item)
	return json.Marshal(frame)
}

func mustRaw(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// FunctionCallOutput returns the item carrying a tool result back upstream.
func FunctionCallOutput(callID, output string) []byte {
	return Encode(map[string]any{
		"type": TypeItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// WireToolChoice encodes a tool-choice directive in the realtime API's
// vocabulary, which only accepts auto, none and required.
func WireToolChoice(directive string) string {
	switch directive {
	case "never", "none":
		return "none"
	case "always", "required":
		return "required"
	default:
		return "auto"
	}
}

// ToolChoiceUpdate is a session.update that changes only the tool choice.
func ToolChoiceUpdate(directive string) []byte {
	return Encode(map[string]any{
		"type": TypeSessionUpdate,
		"session": map[string]any{
			"tool_choice": WireToolChoice(directive),
		},
	})
}

// ResponseCreate asks upstream to generate a response, optionally in the
// given modalities.
func ResponseCreate(modalities []string) []byte {
	if len(modalities) == 0 {
		return Encode(Envelope{Type: TypeResponseCreate})
	}
	return Encode(map[string]any{
		"type":     TypeResponseCreate,
		"response": map[string]any{"modalities": modalities},
	})
}

// SystemMessage returns a conversation.item.create carrying a system turn.
func SystemMessage(text string) []byte {
	return Encode(ItemCreate{
		Type: TypeItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "system",
			Content: []ContentPart{{Type: ContentInputText, Text: text}},
		},
	})
}
