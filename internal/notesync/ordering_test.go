package notesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareNewestAlwaysFirst(t *testing.T) {
	newest := Note{ID: "n", Order: 5, CreatedAt: 1, UpdatedAt: 1}
	pinned := Note{ID: "p", Pinned: true, Order: 1, CreatedAt: 9, UpdatedAt: 9}

	assert.Negative(t, Compare(newest, pinned, "n"))
	assert.Positive(t, Compare(pinned, newest, "n"))
	// Without the designation the pinned note wins.
	assert.Positive(t, Compare(newest, pinned, ""))
}

func TestCompareOrderZeroBeforeAssigned(t *testing.T) {
	fresh := Note{ID: "a", Order: 0, CreatedAt: 100, UpdatedAt: 100}
	ranked := Note{ID: "b", Pinned: true, Order: 1, CreatedAt: 50, UpdatedAt: 200}

	assert.Negative(t, Compare(fresh, ranked, ""))
	assert.Positive(t, Compare(ranked, fresh, ""))
}

func TestCompareZeroOrderNewerCreationFirst(t *testing.T) {
	older := Note{ID: "a", Order: 0, CreatedAt: 100}
	newer := Note{ID: "b", Order: 0, CreatedAt: 200}

	assert.Negative(t, Compare(newer, older, ""))
	assert.Positive(t, Compare(older, newer, ""))
}

func TestCompareIsAntisymmetricAndTotal(t *testing.T) {
	notes := []Note{
		{ID: "a", Pinned: true, Order: 1, CreatedAt: 10, UpdatedAt: 40},
		{ID: "b", Order: 0, CreatedAt: 30, UpdatedAt: 30},
		{ID: "c", Order: 2, CreatedAt: 20, UpdatedAt: 50},
		{ID: "d", Order: 2, CreatedAt: 20, UpdatedAt: 50},
		{ID: "e", Pinned: true, Order: 0, CreatedAt: 5, UpdatedAt: 5},
	}
	for _, a := range notes {
		for _, b := range notes {
			got := Compare(a, b, "")
			rev := Compare(b, a, "")
			if a.ID == b.ID {
				assert.Zero(t, got)
				continue
			}
			assert.NotZero(t, got, "distinct notes %s/%s must order", a.ID, b.ID)
			assert.Equal(t, -rev, got)
		}
	}
}

func TestNormalizePartitionOrder(t *testing.T) {
	existing := Note{ID: "A", Order: 1, CreatedAt: 100, UpdatedAt: 100}
	pinned := Note{ID: "B", Pinned: true, Order: 1, CreatedAt: 50, UpdatedAt: 50}
	fresh := Note{ID: "N1", Order: 0, CreatedAt: 200, UpdatedAt: 200}

	out := Normalize([]Note{existing, pinned, fresh})
	require.Len(t, out, 3)
	assert.Equal(t, "B", out[0].ID)
	assert.Equal(t, "N1", out[1].ID)
	assert.Equal(t, "A", out[2].ID)
	for i, n := range out {
		assert.Equal(t, i+1, n.Order)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	notes := []Note{
		{ID: "a", Order: 7, CreatedAt: 10},
		{ID: "b", Pinned: true, Order: 0, CreatedAt: 20},
		{ID: "c", Order: 0, CreatedAt: 30},
		{ID: "d", Pinned: true, Order: 3, CreatedAt: 40},
		{ID: "e", Order: 2, CreatedAt: 50},
	}
	once := Normalize(notes)
	twice := Normalize(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeDenseRanksFromOne(t *testing.T) {
	notes := []Note{
		{ID: "a", Order: 40, CreatedAt: 1},
		{ID: "b", Order: 10, CreatedAt: 2},
		{ID: "c", Pinned: true, Order: 99, CreatedAt: 3},
	}
	out := Normalize(notes)
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].ID)
	for i, n := range out {
		assert.Equal(t, i+1, n.Order)
	}
}

func TestReorderSwapsWithinClass(t *testing.T) {
	notes := []Note{
		{ID: "p1", Pinned: true, Order: 1, CreatedAt: 1},
		{ID: "p2", Pinned: true, Order: 2, CreatedAt: 2},
		{ID: "u1", Order: 3, CreatedAt: 3},
		{ID: "u2", Order: 4, CreatedAt: 4},
	}
	out, changed, err := Reorder(notes, "u2", MoveUp)
	require.NoError(t, err)
	require.True(t, changed)
	ids := make([]string, 0, len(out))
	for _, n := range out {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"p1", "p2", "u2", "u1"}, ids)
	for i, n := range out {
		assert.Equal(t, i+1, n.Order)
	}
}

func TestReorderNeverCrossesPinBoundary(t *testing.T) {
	notes := []Note{
		{ID: "p1", Pinned: true, Order: 1, CreatedAt: 1},
		{ID: "u1", Order: 2, CreatedAt: 2},
	}
	// Top of the unpinned class: moving up is a no-op, not a class change.
	out, changed, err := Reorder(notes, "u1", MoveUp)
	require.NoError(t, err)
	assert.False(t, changed)
	require.Len(t, out, 2)
	assert.Equal(t, "p1", out[0].ID)

	out, changed, err = Reorder(notes, "p1", MoveDown)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "p1", out[0].ID)
}

func TestReorderBoundariesAreNoOps(t *testing.T) {
	notes := []Note{
		{ID: "a", Order: 1, CreatedAt: 1},
		{ID: "b", Order: 2, CreatedAt: 2},
	}
	_, changed, err := Reorder(notes, "a", MoveUp)
	require.NoError(t, err)
	assert.False(t, changed)

	_, changed, err = Reorder(notes, "b", MoveDown)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReorderUnknownNoteAndDirection(t *testing.T) {
	notes := []Note{{ID: "a", Order: 1, CreatedAt: 1}}

	_, _, err := Reorder(notes, "missing", MoveUp)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = Reorder(notes, "a", MoveDirection("sideways"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSortForRenderDoesNotMutateInput(t *testing.T) {
	notes := []Note{
		{ID: "b", Order: 2, CreatedAt: 2},
		{ID: "a", Order: 1, CreatedAt: 1},
	}
	out := SortForRender(notes, "")
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", notes[0].ID)
}
