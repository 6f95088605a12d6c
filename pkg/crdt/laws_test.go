package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// checkLaws asserts the merge laws every type must satisfy over the given
// sample states, plus delta idempotency for the sample deltas.
func checkLaws[S, D, V any](t *testing.T, c CRDT[S, D, V], states []S, deltas []D) {
	t.Helper()

	empty := c.Empty()
	for i, a := range states {
		require.Equal(t, a, c.Merge(a, a), "merge(a,a) != a for state %d", i)
		require.Equal(t, a, c.Merge(a, empty), "merge(a,empty) != a for state %d", i)
		require.Equal(t, a, c.Merge(empty, a), "merge(empty,a) != a for state %d", i)

		for j, b := range states {
			ab := c.Merge(a, b)
			require.Equal(t, ab, c.Merge(b, a), "merge not commutative for states %d,%d", i, j)
			// Nothing from either side is lost.
			require.Equal(t, ab, c.Merge(ab, a), "merge lost information of state %d", i)
			require.Equal(t, ab, c.Merge(ab, b), "merge lost information of state %d", j)

			for k, x := range states {
				left := c.Merge(c.Merge(a, b), x)
				right := c.Merge(a, c.Merge(b, x))
				require.Equal(t, left, right, "merge not associative for states %d,%d,%d", i, j, k)
			}
		}
	}

	for i, d := range deltas {
		for _, s := range append([]S{empty}, states...) {
			once, err := c.ApplyDelta(s, d)
			require.NoError(t, err)
			twice, err := c.ApplyDelta(once, d)
			require.NoError(t, err)
			require.Equal(t, once, twice, "delta %d not idempotent", i)
		}
	}
}

// applyAll folds deltas into the empty state.
func applyAll[S, D, V any](t *testing.T, c CRDT[S, D, V], deltas ...D) S {
	t.Helper()
	s := c.Empty()
	for _, d := range deltas {
		var err error
		s, err = c.ApplyDelta(s, d)
		require.NoError(t, err)
	}
	return s
}
