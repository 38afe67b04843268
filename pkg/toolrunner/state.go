package toolrunner

import (
	"time"
)

// State is the lifecycle position of one run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateIterationLimitReached
	StateDeadlineExceeded
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateIterationLimitReached:
		return "iteration_limit_reached"
	case StateDeadlineExceeded:
		return "deadline_exceeded"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Partial reports whether the run ended with an explicitly incomplete result.
func (s State) Partial() bool {
	return s == StateIterationLimitReached || s == StateDeadlineExceeded
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RunState is the transient, exclusively owned context of one run. It is
// created per requester message and passed by reference through the loop.
type RunState struct {
	RunID          string
	ConversationID string
	Iteration      int
	MaxIterations  int
	Started        time.Time
	Deadline       time.Time

	// MoreActionsNeeded is set while the last model response asked for tools.
	MoreActionsNeeded bool

	executed      map[string]struct{}
	toolsExecuted []string
}

func newRunState(runID, conversationID string, maxIterations int, started, deadline time.Time) *RunState {
	return &RunState{
		RunID:          runID,
		ConversationID: conversationID,
		MaxIterations:  maxIterations,
		Started:        started,
		Deadline:       deadline,
		executed:       make(map[string]struct{}),
	}
}

// markExecuted records sig and reports whether it was new.
func (rs *RunState) markExecuted(sig string) bool {
	if _, seen := rs.executed[sig]; seen {
		return false
	}
	rs.executed[sig] = struct{}{}
	return true
}

// Executed reports whether sig has been dispatched in this run.
func (rs *RunState) Executed(sig string) bool {
	_, ok := rs.executed[sig]
	return ok
}

func (rs *RunState) recordTool(name string) {
	rs.toolsExecuted = append(rs.toolsExecuted, name)
}

// ToolsExecuted lists dispatched tool names in dispatch order.
func (rs *RunState) ToolsExecuted() []string {
	return append([]string(nil), rs.toolsExecuted...)
}
