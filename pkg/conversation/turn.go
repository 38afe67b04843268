package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleRequester Role = "requester"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content of a Block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockInvocation BlockType = "tool_invocation"
	BlockOutcome    BlockType = "tool_outcome"
)

// Failure is the error half of a tool outcome.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Block is one piece of a turn. Which fields are meaningful depends on Type:
// text uses Text; tool_invocation uses InvocationID, Tool and Arguments;
// tool_outcome uses InvocationID, Tool and exactly one of Payload or Failure.
type Block struct {
	Type         BlockType      `json:"type"`
	Text         string         `json:"text,omitempty"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Failure      *Failure       `json:"failure,omitempty"`
	Duplicate    bool           `json:"duplicate,omitempty"`
}

// MarshalJSON keeps an empty success payload on the wire; omitempty alone
// would drop it and the outcome would reload with neither payload nor failure.
func (b Block) MarshalJSON() ([]byte, error) {
	type plain Block
	if b.Type != BlockOutcome || b.Payload == nil {
		return json.Marshal(plain(b))
	}
	return json.Marshal(struct {
		plain
		Payload map[string]any `json:"payload"`
	}{plain(b), b.Payload})
}

// TextBlock returns a plain text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// InvocationBlock returns a tool invocation block.
func InvocationBlock(id, tool string, args map[string]any) Block {
	return Block{Type: BlockInvocation, InvocationID: id, Tool: tool, Arguments: args}
}

// OutcomeBlock returns a successful tool outcome.
func OutcomeBlock(id, tool string, payload map[string]any) Block {
	if payload == nil {
		payload = map[string]any{}
	}
	return Block{Type: BlockOutcome, InvocationID: id, Tool: tool, Payload: payload}
}

// FailureBlock returns a failed tool outcome.
func FailureBlock(id, tool, code, message string) Block {
	return Block{Type: BlockOutcome, InvocationID: id, Tool: tool, Failure: &Failure{Code: code, Message: message}}
}

// Failed reports whether an outcome block carries a failure.
func (b Block) Failed() bool {
	return b.Type == BlockOutcome && b.Failure != nil
}

// Turn is one message in the conversation history.
type Turn struct {
	Role       Role      `json:"role"`
	Blocks     []Block   `json:"blocks"`
	Incomplete bool      `json:"incomplete,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RequesterText builds a plain requester turn.
func RequesterText(text string) Turn {
	return Turn{Role: RoleRequester, Blocks: []Block{TextBlock(text)}, CreatedAt: time.Now()}
}

// AssistantText builds a plain assistant turn.
func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Blocks: []Block{TextBlock(text)}, CreatedAt: time.Now()}
}

// Text joins the text blocks of the turn.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Invocations returns the tool invocation blocks in order.
func (t Turn) Invocations() []Block {
	return t.blocksOf(BlockInvocation)
}

// Outcomes returns the tool outcome blocks in order.
func (t Turn) Outcomes() []Block {
	return t.blocksOf(BlockOutcome)
}

// IsOutcomeHandback reports whether the turn is a requester turn made only of tool outcomes.
func (t Turn) IsOutcomeHandback() bool {
	if t.Role != RoleRequester || len(t.Blocks) == 0 {
		return false
	}
	for _, b := range t.Blocks {
		if b.Type != BlockOutcome {
			return false
		}
	}
	return true
}

func (t Turn) blocksOf(kind BlockType) []Block {
	var out []Block
	for _, b := range t.Blocks {
		if b.Type == kind {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a deep copy of the turn.
func (t Turn) Clone() Turn {
	out := t
	if t.Blocks != nil {
		out.Blocks = make([]Block, len(t.Blocks))
		for i, b := range t.Blocks {
			out.Blocks[i] = b.clone()
		}
	}
	return out
}

func (b Block) clone() Block {
	out := b
	out.Arguments = CloneMap(b.Arguments)
	out.Payload = CloneMap(b.Payload)
	if b.Failure != nil {
		f := *b.Failure
		out.Failure = &f
	}
	return out
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = CloneMap(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
