package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/odvcencio/errand/pkg/conversation"
	errandErrors "github.com/odvcencio/errand/pkg/errors"
	"github.com/odvcencio/errand/pkg/tool"
)

// RenderFunc turns an outcome block into the content of a tool message.
type RenderFunc func(conversation.Block) string

// ToMessages converts a turn history to wire messages. Outcome hand-back turns
// become one tool message per outcome, in block order.
func ToMessages(system string, turns []conversation.Turn, render RenderFunc) []Message {
	msgs := make([]Message, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	for _, t := range turns {
		switch {
		case t.Role == conversation.RoleAssistant:
			msgs = append(msgs, assistantMessage(t))
		case t.IsOutcomeHandback():
			for _, b := range t.Outcomes() {
				msgs = append(msgs, Message{
					Role:       RoleTool,
					ToolCallID: b.InvocationID,
					Name:       b.Tool,
					Content:    render(b),
				})
			}
		default:
			msgs = append(msgs, Message{Role: RoleUser, Content: t.Text()})
		}
	}
	return msgs
}

func assistantMessage(t conversation.Turn) Message {
	msg := Message{Role: RoleAssistant}
	if text := t.Text(); text != "" {
		msg.Content = text
	}
	for _, inv := range t.Invocations() {
		args := inv.Arguments
		if args == nil {
			args = map[string]any{}
		}
		raw, err := json.Marshal(args)
		if err != nil {
			raw = []byte("{}")
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       inv.InvocationID,
			Type:     "function",
			Function: FunctionCall{Name: inv.Tool, Arguments: string(raw)},
		})
	}
	return msg
}

// Reply is a decoded model response.
type Reply struct {
	Text         string
	Invocations  []conversation.Block
	FinishReason string
	Usage        Usage

	// ArgErrors holds INVALID_ARGUMENTS errors for invocations whose argument
	// string was not a JSON object, keyed by index into Invocations.
	ArgErrors map[int]error
}

// FromResponse decodes the first choice. Invocation ids are returned exactly
// as sent; assigning ids to anonymous calls is left to the caller. A response
// without choices is MODEL_EMPTY_RESPONSE.
func FromResponse(resp *ChatResponse) (*Reply, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errandErrors.New(errandErrors.ErrCodeModelEmpty, "model returned no choices")
	}
	choice := resp.Choices[0]
	reply := &Reply{
		Text:         strings.TrimSpace(contentText(choice.Message.Content)),
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}
	for i, call := range choice.Message.ToolCalls {
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			if reply.ArgErrors == nil {
				reply.ArgErrors = make(map[int]error)
			}
			reply.ArgErrors[i] = errandErrors.Newf(errandErrors.ErrCodeInvalidArguments,
				"arguments for %s are not a JSON object: %v", call.Function.Name, err)
			args = map[string]any{}
		}
		reply.Invocations = append(reply.Invocations, conversation.InvocationBlock(call.ID, call.Function.Name, args))
	}
	return reply, nil
}

// decodeArguments keeps numbers as json.Number so integer ids survive exactly.
func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after arguments")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// contentText flattens string or multi-part content.
func contentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			if m, ok := p.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "")
	}
	return fmt.Sprint(content)
}

// ToolDefinitions describes the registry's catalog in function-calling form.
func ToolDefinitions(reg *tool.Registry) []map[string]any {
	if reg == nil {
		return nil
	}
	return reg.Definitions()
}
