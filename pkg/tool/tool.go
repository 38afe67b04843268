package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

// Tool is a named capability the model can invoke. Execute receives arguments
// that already passed schema validation and returns a JSON-shaped payload.
//
//go:generate mockgen -package=tool -destination=mock_tool_test.go github.com/odvcencio/errand/pkg/tool Tool
type Tool interface {
	Name() string
	Description() string
	Parameters() ParameterSchema
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ToOpenAIFunction converts a tool to OpenAI function calling format
func ToOpenAIFunction(t Tool) map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.Parameters(),
		},
	}
}

// DecodeArgs strictly decodes an argument map into the typed variant A.
// Unknown fields and type mismatches are INVALID_ARGUMENTS errors.
func DecodeArgs[A any](toolName string, args map[string]any) (A, error) {
	var out A
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return out, errandErrors.Wrap(err, errandErrors.ErrCodeInvalidArguments,
			fmt.Sprintf("invalid arguments for %s", toolName))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, errandErrors.Newf(errandErrors.ErrCodeInvalidArguments,
			"invalid arguments for %s: %v", toolName, err)
	}
	return out, nil
}

// Typed is a Tool whose arguments decode into A before Run is called.
type Typed[A any] struct {
	ToolName        string
	ToolDescription string
	Schema          ParameterSchema
	Run             func(ctx context.Context, args A) (map[string]any, error)
}

// NewTyped builds a Typed tool.
func NewTyped[A any](name, description string, schema ParameterSchema, run func(ctx context.Context, args A) (map[string]any, error)) *Typed[A] {
	return &Typed[A]{ToolName: name, ToolDescription: description, Schema: schema, Run: run}
}

func (t *Typed[A]) Name() string                { return t.ToolName }
func (t *Typed[A]) Description() string         { return t.ToolDescription }
func (t *Typed[A]) Parameters() ParameterSchema { return t.Schema }

// Execute decodes args into A and runs the tool.
func (t *Typed[A]) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	typed, err := DecodeArgs[A](t.ToolName, args)
	if err != nil {
		return nil, err
	}
	return t.Run(ctx, typed)
}
