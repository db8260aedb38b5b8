package task

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Func is a registered task body. Its return value only feeds the failure
// bookkeeping; any user-facing output goes through the ambient context's
// Update. Args are the submit-time arguments, carried through the queue for
// async executions.
type Func func(ctx context.Context, args map[string]any) error

// Registry is the process-local name → function table, populated eagerly at
// startup. It is read-only once workers start executing.
type Registry struct {
	mu       sync.RWMutex
	wrappers map[string]*Wrapper
	exec     *Executor
}

func NewRegistry() *Registry {
	return &Registry{wrappers: make(map[string]*Wrapper)}
}

// Register binds a task type name to a function and returns the callable
// wrapper. Registering the same function twice under one name is tolerated
// (module reload); a different function under an existing name is an error.
func (r *Registry) Register(taskType string, fn Func) (*Wrapper, error) {
	if taskType == "" {
		return nil, fmt.Errorf("task type name must not be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("task function for %q must not be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.wrappers[taskType]; ok {
		if reflect.ValueOf(existing.fn).Pointer() == reflect.ValueOf(fn).Pointer() {
			return existing, nil
		}
		return nil, fmt.Errorf("task type %q already registered with a different function", taskType)
	}

	w := &Wrapper{taskType: taskType, fn: fn, registry: r}
	r.wrappers[taskType] = w
	return w, nil
}

// MustRegister is Register for init-time use.
func (r *Registry) MustRegister(taskType string, fn Func) *Wrapper {
	w, err := r.Register(taskType, fn)
	if err != nil {
		panic(err)
	}
	return w
}

// Lookup resolves a task type to its wrapper.
func (r *Registry) Lookup(taskType string) (*Wrapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wrappers[taskType]
	return w, ok
}

// bind attaches the executor that wrappers dispatch through.
func (r *Registry) bind(exec *Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = exec
}

func (r *Registry) executor() (*Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.exec == nil {
		return nil, fmt.Errorf("task registry is not bound to an executor yet")
	}
	return r.exec, nil
}
