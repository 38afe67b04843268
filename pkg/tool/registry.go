package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

// Registry manages the tool catalog and the middleware chain every call goes through.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	middlewares []Middleware
	executor    Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.rebuildExecutor()
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return errandErrors.New(errandErrors.ErrCodeInvalidInput, "tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return errandErrors.Newf(errandErrors.ErrCodeInvalidInput, "tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister is Register that panics on error; for static catalogs.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Definitions returns the catalog in OpenAI function format.
func (r *Registry) Definitions() []map[string]any {
	tools := r.List()
	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToOpenAIFunction(t))
	}
	return defs
}

// Use appends middlewares; the first added is the outermost.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw...)
	r.rebuildExecutorLocked()
}

func (r *Registry) rebuildExecutor() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildExecutorLocked()
}

func (r *Registry) rebuildExecutorLocked() {
	r.executor = Chain(r.middlewares...)(baseExecutor)
}

// Call identifies one invocation for Execute.
type Call struct {
	RunID  string
	CallID string
	Name   string
	Args   map[string]any
}

// Execute looks the tool up, validates the arguments against its schema and
// runs it through the middleware chain. Lookup and validation failures are
// TOOL_NOT_FOUND and INVALID_ARGUMENTS errors.
func (r *Registry) Execute(ctx context.Context, call Call) (map[string]any, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return nil, errandErrors.Newf(errandErrors.ErrCodeToolNotFound, "unknown tool %q", call.Name)
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if fields := t.Parameters().Validate(args); len(fields) > 0 {
		return nil, ValidationError(call.Name, fields)
	}

	r.mu.RLock()
	exec := r.executor
	r.mu.RUnlock()

	payload, err := exec(&ExecutionContext{
		Context:   ctx,
		ToolName:  call.Name,
		Tool:      t,
		RunID:     call.RunID,
		CallID:    call.CallID,
		Params:    args,
		StartTime: time.Now(),
	})
	if err != nil {
		if _, ok := errandErrors.As(err); !ok {
			err = errandErrors.Wrap(err, errandErrors.ErrCodeToolExecution, fmt.Sprintf("%s failed", call.Name))
		}
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
