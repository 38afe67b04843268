package conversation

import (
	"fmt"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

// ValidateTurn checks the internal shape of a single turn.
func ValidateTurn(t Turn) error {
	if t.Role != RoleRequester && t.Role != RoleAssistant {
		return invalidSequence("unknown role %q", t.Role)
	}
	if len(t.Blocks) == 0 {
		return invalidSequence("%s turn has no content", t.Role)
	}

	outcomes := 0
	seen := make(map[string]bool)
	for i, b := range t.Blocks {
		switch b.Type {
		case BlockText:
		case BlockInvocation:
			if t.Role != RoleAssistant {
				return invalidSequence("block %d: tool invocations are only allowed in assistant turns", i)
			}
			if b.InvocationID == "" || b.Tool == "" {
				return invalidSequence("block %d: tool invocation needs an id and a tool name", i)
			}
			if seen[b.InvocationID] {
				return invalidSequence("block %d: invocation id %q repeated", i, b.InvocationID)
			}
			seen[b.InvocationID] = true
		case BlockOutcome:
			if t.Role != RoleRequester {
				return invalidSequence("block %d: tool outcomes are only allowed in requester turns", i)
			}
			if b.InvocationID == "" {
				return invalidSequence("block %d: tool outcome has no invocation id", i)
			}
			if (b.Payload == nil) == (b.Failure == nil) {
				return invalidSequence("block %d: tool outcome must carry exactly one of payload or failure", i)
			}
			outcomes++
		default:
			return invalidSequence("block %d: unknown block type %q", i, b.Type)
		}
	}

	if outcomes > 0 && outcomes != len(t.Blocks) {
		return invalidSequence("a requester turn carrying tool outcomes must contain only tool outcomes")
	}
	return nil
}

// ValidateNext checks that next may follow prev. prev is nil for the first turn.
func ValidateNext(prev *Turn, next Turn) error {
	if err := ValidateTurn(next); err != nil {
		return err
	}

	if prev == nil {
		if next.Role != RoleRequester || next.IsOutcomeHandback() {
			return invalidSequence("history must start with a requester message")
		}
		return nil
	}

	if prev.Role == next.Role {
		return invalidSequence("%s turn cannot follow another %s turn", next.Role, prev.Role)
	}

	if next.Role == RoleAssistant {
		return nil
	}

	pending := prev.Invocations()
	if !next.IsOutcomeHandback() {
		if len(pending) > 0 {
			return invalidSequence("%d tool invocation(s) from the previous assistant turn are unanswered", len(pending))
		}
		return nil
	}

	if len(pending) == 0 {
		return invalidSequence("tool outcomes must follow an assistant turn with tool invocations")
	}

	want := make(map[string]bool, len(pending))
	for _, inv := range pending {
		want[inv.InvocationID] = true
	}
	answered := make(map[string]bool, len(pending))
	for _, out := range next.Blocks {
		if !want[out.InvocationID] {
			return invalidSequence("tool outcome for unknown invocation %q", out.InvocationID)
		}
		if answered[out.InvocationID] {
			return invalidSequence("invocation %q answered twice", out.InvocationID)
		}
		answered[out.InvocationID] = true
	}
	if len(answered) != len(want) {
		return invalidSequence("%d of %d tool invocation(s) answered", len(answered), len(want))
	}
	return nil
}

// ValidateSequence checks a whole history.
func ValidateSequence(turns []Turn) error {
	var prev *Turn
	for i := range turns {
		if err := ValidateNext(prev, turns[i]); err != nil {
			if e, ok := errandErrors.As(err); ok {
				e.WithContext("turn", i)
			}
			return err
		}
		prev = &turns[i]
	}
	return nil
}

func invalidSequence(format string, args ...any) error {
	return errandErrors.New(errandErrors.ErrCodeInvalidSequence, fmt.Sprintf(format, args...))
}
