package conversation

import (
	"sync"
	"testing"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

func invocationTurn(ids ...string) Turn {
	t := Turn{Role: RoleAssistant}
	for _, id := range ids {
		t.Blocks = append(t.Blocks, InvocationBlock(id, "create_todo", map[string]any{"title": "x"}))
	}
	return t
}

func handback(ids ...string) Turn {
	t := Turn{Role: RoleRequester}
	for _, id := range ids {
		t.Blocks = append(t.Blocks, OutcomeBlock(id, "create_todo", map[string]any{"kind": "todo"}))
	}
	return t
}

func TestStore_AppendAlternation(t *testing.T) {
	s := NewStore()

	steps := []Turn{
		RequesterText("add groceries"),
		invocationTurn("call_1", "call_2"),
		handback("call_2", "call_1"),
		AssistantText("done"),
		RequesterText("thanks"),
	}
	for i, turn := range steps {
		if err := s.Append(turn); err != nil {
			t.Fatalf("step %d: Append() error = %v", i, err)
		}
	}
	if s.Len() != len(steps) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(steps))
	}
	if err := ValidateSequence(s.Snapshot()); err != nil {
		t.Fatalf("ValidateSequence(snapshot) = %v", err)
	}
}

func TestStore_AppendRejections(t *testing.T) {
	tests := []struct {
		name    string
		history []Turn
		next    Turn
	}{
		{
			name: "first turn from assistant",
			next: AssistantText("hello"),
		},
		{
			name: "first turn is a hand-back",
			next: handback("call_1"),
		},
		{
			name:    "two requester turns",
			history: []Turn{RequesterText("a")},
			next:    RequesterText("b"),
		},
		{
			name:    "two assistant turns",
			history: []Turn{RequesterText("a"), AssistantText("b")},
			next:    AssistantText("c"),
		},
		{
			name:    "hand-back after plain assistant turn",
			history: []Turn{RequesterText("a"), AssistantText("b")},
			next:    handback("call_1"),
		},
		{
			name:    "plain requester turn while invocations pending",
			history: []Turn{RequesterText("a"), invocationTurn("call_1")},
			next:    RequesterText("hello?"),
		},
		{
			name:    "hand-back missing an outcome",
			history: []Turn{RequesterText("a"), invocationTurn("call_1", "call_2")},
			next:    handback("call_1"),
		},
		{
			name:    "hand-back for unknown invocation",
			history: []Turn{RequesterText("a"), invocationTurn("call_1")},
			next:    handback("call_9"),
		},
		{
			name:    "hand-back answering twice",
			history: []Turn{RequesterText("a"), invocationTurn("call_1")},
			next:    handback("call_1", "call_1"),
		},
		{
			name: "empty turn",
			next: Turn{Role: RoleRequester},
		},
		{
			name:    "outcome mixed with text",
			history: []Turn{RequesterText("a"), invocationTurn("call_1")},
			next: Turn{Role: RoleRequester, Blocks: []Block{
				TextBlock("here you go"),
				OutcomeBlock("call_1", "create_todo", map[string]any{}),
			}},
		},
		{
			name:    "outcome with payload and failure",
			history: []Turn{RequesterText("a"), invocationTurn("call_1")},
			next: Turn{Role: RoleRequester, Blocks: []Block{{
				Type: BlockOutcome, InvocationID: "call_1",
				Payload: map[string]any{}, Failure: &Failure{Code: "X", Message: "y"},
			}}},
		},
		{
			name:    "invocation in requester turn",
			history: nil,
			next: Turn{Role: RoleRequester, Blocks: []Block{
				InvocationBlock("call_1", "create_todo", nil),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromTurns(tt.history)
			if err != nil {
				t.Fatalf("FromTurns() error = %v", err)
			}
			before := s.Len()

			err = s.Append(tt.next)
			if err == nil {
				t.Fatal("Append() should fail")
			}
			if !errandErrors.IsCode(err, errandErrors.ErrCodeInvalidSequence) {
				t.Errorf("error code = %v, want INVALID_SEQUENCE", errandErrors.GetCode(err))
			}
			if s.Len() != before {
				t.Errorf("store changed on failed append: %d -> %d", before, s.Len())
			}
		})
	}
}

func TestStore_SnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	_ = s.Append(RequesterText("a"))
	_ = s.Append(invocationTurn("call_1"))

	snap := s.Snapshot()
	snap[1].Blocks[0].Arguments["title"] = "mutated"
	snap[0].Blocks[0].Text = "mutated"

	fresh := s.Snapshot()
	if fresh[1].Blocks[0].Arguments["title"] != "x" {
		t.Error("snapshot shares argument maps with the store")
	}
	if fresh[0].Text() != "a" {
		t.Error("snapshot shares blocks with the store")
	}
}

func TestStore_ConcurrentAppendsKeepAlternation(t *testing.T) {
	s := NewStore()
	_ = s.Append(RequesterText("start"))

	// Many writers race to append an assistant reply; exactly one may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Append(AssistantText("reply")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d concurrent appends succeeded, want 1", wins)
	}
	if err := ValidateSequence(s.Snapshot()); err != nil {
		t.Fatalf("history invalid after concurrent appends: %v", err)
	}
}

func TestFromTurns_RejectsInvalidHistory(t *testing.T) {
	_, err := FromTurns([]Turn{RequesterText("a"), RequesterText("b")})
	if !errandErrors.IsCode(err, errandErrors.ErrCodeInvalidSequence) {
		t.Fatalf("FromTurns() error = %v, want INVALID_SEQUENCE", err)
	}
}

func TestStore_TokenCount(t *testing.T) {
	s := NewStore()
	empty := s.TokenCount()
	_ = s.Append(RequesterText("please add groceries to my list"))
	if s.TokenCount() <= empty {
		t.Errorf("TokenCount did not grow: %d -> %d", empty, s.TokenCount())
	}
}

func TestTurnHelpers(t *testing.T) {
	turn := Turn{Role: RoleAssistant, Blocks: []Block{
		TextBlock("Working on it."),
		InvocationBlock("call_1", "list_todos", nil),
	}}
	if turn.Text() != "Working on it." {
		t.Errorf("Text() = %q", turn.Text())
	}
	if len(turn.Invocations()) != 1 {
		t.Errorf("Invocations() = %d", len(turn.Invocations()))
	}
	if turn.IsOutcomeHandback() {
		t.Error("assistant turn is not a hand-back")
	}

	fail := FailureBlock("call_2", "get_todo", "NOT_FOUND", "todo 9 not found")
	if !fail.Failed() {
		t.Error("Failed() should be true for failure blocks")
	}
}
