package task

import "context"

// The ambient task context rides on the execution's context.Context under an
// unexported key. Each task body sees exactly its own context; any access
// outside a task execution fails explicitly.
type ambientKey struct{}

// WithAmbient binds the task context to the execution's context. Only the
// executor calls this.
func WithAmbient(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ambientKey{}, tc)
}

// FromContext retrieves the current execution's task context.
func FromContext(ctx context.Context) (*Context, error) {
	tc, ok := ctx.Value(ambientKey{}).(*Context)
	if !ok || tc == nil {
		return nil, ErrNoTaskContext
	}
	return tc, nil
}
