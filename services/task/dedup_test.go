package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActiveDedupKeyDeterministic(t *testing.T) {
	a := ActiveDedupKey(ScopeShared, "reports.generate", "q4", nil)
	b := ActiveDedupKey(ScopeShared, "reports.generate", "q4", nil)

	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.Regexp(t, "^[0-9a-f]{64}$", a)
}

func TestActiveDedupKeyVariesByInputs(t *testing.T) {
	base := ActiveDedupKey(ScopeShared, "reports.generate", "q4", nil)

	require.NotEqual(t, base, ActiveDedupKey(ScopeShared, "reports.generate", "q3", nil))
	require.NotEqual(t, base, ActiveDedupKey(ScopeShared, "exports.csv", "q4", nil))
	require.NotEqual(t, base, ActiveDedupKey(ScopeSystem, "reports.generate", "q4", nil))
}

func TestActiveDedupKeyPrivateIncludesUser(t *testing.T) {
	u1 := ActiveDedupKey(ScopePrivate, "reports.generate", "q4", uid(1))
	u2 := ActiveDedupKey(ScopePrivate, "reports.generate", "q4", uid(2))
	require.NotEqual(t, u1, u2)

	// Shared scope deliberately ignores the user so submits collide.
	s1 := ActiveDedupKey(ScopeShared, "reports.generate", "q4", uid(1))
	s2 := ActiveDedupKey(ScopeShared, "reports.generate", "q4", uid(2))
	require.Equal(t, s1, s2)
}

func TestActiveDedupKeyFieldBoundaries(t *testing.T) {
	// Length-prefixed fields: shifting a character across the boundary must
	// produce a different key.
	a := ActiveDedupKey(ScopeShared, "ab", "c", nil)
	b := ActiveDedupKey(ScopeShared, "a", "bc", nil)
	require.NotEqual(t, a, b)
}

func TestFinishedDedupKey(t *testing.T) {
	k := FinishedDedupKey("8d4f3a2e-0000-0000-0000-000000000000")

	require.Len(t, k, 64)
	require.Equal(t, k, FinishedDedupKey("8d4f3a2e-0000-0000-0000-000000000000"))
	require.NotEqual(t, k, FinishedDedupKey("8d4f3a2e-0000-0000-0000-000000000001"))
}

func TestGenerateRandomTaskKey(t *testing.T) {
	a := GenerateRandomTaskKey()
	b := GenerateRandomTaskKey()

	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
