package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gtf/pkg/config"
)

func TestStatusSets(t *testing.T) {
	for _, s := range TerminalStates {
		require.True(t, s.Terminal(), s)
		require.False(t, s.Active(), s)
	}
	for _, s := range ActiveStates {
		require.True(t, s.Active(), s)
		require.False(t, s.Terminal(), s)
	}
}

func TestPropertiesTimeout(t *testing.T) {
	// JSON decoding always yields float64.
	require.Equal(t, 1500*time.Millisecond, Properties{PropTimeout: 1.5}.Timeout())
	require.Equal(t, 2*time.Second, Properties{PropTimeout: 2}.Timeout())
	require.Equal(t, time.Duration(0), Properties{}.Timeout())
	require.Equal(t, time.Duration(0), Properties{PropTimeout: "bogus"}.Timeout())
}

func TestPropertiesIsAbortable(t *testing.T) {
	require.False(t, Properties{}.IsAbortable())
	require.False(t, Properties{PropIsAbortable: "yes"}.IsAbortable())
	require.True(t, Properties{PropIsAbortable: true}.IsAbortable())
}

func TestPropertiesRoundTrip(t *testing.T) {
	task := &Task{
		Properties: encodeJSON(map[string]any{PropIsAbortable: true, PropTimeout: 5}),
		Payload:    encodeJSON(map[string]any{"rows": 10}),
	}

	props := task.PropertiesMap()
	require.True(t, props.IsAbortable())
	require.Equal(t, 5*time.Second, props.Timeout())
	require.Equal(t, float64(10), task.PayloadMap()["rows"])
}

func TestResourceGatesStackTrace(t *testing.T) {
	task := &Task{
		UUID:   "u-1",
		Status: StatusFailure,
		Properties: encodeJSON(map[string]any{
			PropErrorMessage: "query exploded",
			PropStackTrace:   "goroutine 1 [running]:",
		}),
	}

	hidden := task.Resource(config.Tasks{})
	require.Equal(t, "query exploded", hidden["error_message"])
	require.NotContains(t, hidden, "stack_trace")

	exposed := task.Resource(config.Tasks{ExposeStackTrace: true})
	require.Equal(t, "goroutine 1 [running]:", exposed["stack_trace"])
}

func TestDurationSeconds(t *testing.T) {
	task := &Task{}
	require.Zero(t, task.DurationSeconds())

	start := time.Now().Add(-90 * time.Second)
	end := start.Add(60 * time.Second)
	task.StartedAt = &start
	require.Zero(t, task.DurationSeconds())

	task.EndedAt = &end
	require.InDelta(t, 60, task.DurationSeconds(), 0.001)
}
