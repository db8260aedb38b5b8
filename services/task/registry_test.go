package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	fn := func(ctx context.Context, args map[string]any) error { return nil }
	w, err := reg.Register("reports.generate", fn)
	require.NoError(t, err)
	require.Equal(t, "reports.generate", w.TaskType())

	found, ok := reg.Lookup("reports.generate")
	require.True(t, ok)
	require.Same(t, w, found)

	_, ok = reg.Lookup("unknown")
	require.False(t, ok)
}

func TestRegisterSameFunctionTwice(t *testing.T) {
	reg := NewRegistry()
	fn := func(ctx context.Context, args map[string]any) error { return nil }

	first, err := reg.Register("reports.generate", fn)
	require.NoError(t, err)

	// Module reloads re-register the same function; that is tolerated.
	again, err := reg.Register("reports.generate", fn)
	require.NoError(t, err)
	require.Same(t, first, again)
}

func TestRegisterConflictingFunction(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Register("reports.generate", func(ctx context.Context, args map[string]any) error { return nil })
	require.NoError(t, err)

	_, err = reg.Register("reports.generate", func(ctx context.Context, args map[string]any) error { return nil })
	require.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Register("", func(ctx context.Context, args map[string]any) error { return nil })
	require.Error(t, err)

	_, err = reg.Register("reports.generate", nil)
	require.Error(t, err)
}

func TestWrapperWithoutExecutor(t *testing.T) {
	reg := NewRegistry()
	w := reg.MustRegister("reports.generate", func(ctx context.Context, args map[string]any) error { return nil })

	_, err := w.Run(context.Background(), Options{Identity: Identity{UserID: uid(7)}})
	require.Error(t, err)
}
