package daemon

import (
	"fmt"
	"sort"
)

// HandlerFunc runs one remote command. out streams to the calling client;
// the returned value is JSON-encoded into the terminating Result frame.
type HandlerFunc func(out *Output, call CallArgs) (any, error)

// CallArgs is re-exported here so handlers don't import ipc for the common
// case; it is the ipc.Call minus wire concerns.
type CallArgs struct {
	Args   []any
	Kwargs map[string]any
}

// StringArg returns positional argument i or keyword kwarg as a string.
func (c CallArgs) StringArg(i int, kwarg string) string {
	if v, ok := c.Kwargs[kwarg]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	if i >= 0 && i < len(c.Args) {
		if s, ok := c.Args[i].(string); ok {
			return s
		}
	}
	return ""
}

// StringSlice returns keyword kwarg as a string slice (JSON arrays arrive as
// []any; non-strings are skipped).
func (c CallArgs) StringSlice(kwarg string) []string {
	v, ok := c.Kwargs[kwarg]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Registry maps command names to handlers. Append-only: registration happens
// at construction time and the daemon treats it as read-only once the accept
// loop starts.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler. Duplicate names are a programming error and fail.
func (r *Registry) Register(name string, fn HandlerFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("daemon: invalid registration for %q", name)
	}
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("daemon: command %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// MustRegister is Register that panics; for construction-time wiring.
func (r *Registry) MustRegister(name string, fn HandlerFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names lists registered commands, sorted; used in error messages.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
