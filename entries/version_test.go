package entries

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionStamp_CheckConflict(t *testing.T) {
	t.Parallel()

	stamp := func(v uint32, m uint16) VersionStamp { return VersionStamp{EntryVersion: v, Member: m} }

	cases := []struct {
		name  string
		stamp VersionStamp
		tag   *VersionTag
		delta bool
		want  error
	}{
		{"empty stamp applies", VersionStamp{}, version(1, 1), false, nil},
		{"nil tag applies", stamp(5, 1), nil, false, nil},
		{"empty tag applies", stamp(5, 1), &VersionTag{}, false, nil},
		{"newer applies", stamp(5, 1), version(6, 2), false, nil},
		{"older rejected", stamp(5, 1), version(4, 1), false, ErrConcurrentModification},
		{"equal version same member applies", stamp(5, 1), version(5, 1), false, nil},
		{"equal version higher member applies", stamp(5, 1), version(5, 2), false, nil},
		{"equal version lower member rejected", stamp(5, 2), version(5, 1), false, ErrConcurrentModification},
		{"rollover: small tag after wrap applies", stamp(0xFFFFFFF0, 1), version(5, 1), false, nil},
		{"rollover: huge tag before wrap rejected", stamp(5, 1), version(0xFFFFFFF0, 1), false, ErrConcurrentModification},
		{"delta successor applies", stamp(5, 1), &VersionTag{EntryVersion: 6, Member: 2, PreviousMember: 1}, true, nil},
		{"delta gap invalid", stamp(5, 1), &VersionTag{EntryVersion: 7, Member: 2, PreviousMember: 1}, true, ErrInvalidDelta},
		{"delta wrong base member invalid", stamp(5, 1), &VersionTag{EntryVersion: 6, Member: 2, PreviousMember: 3}, true, ErrInvalidDelta},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.stamp.CheckConflict(tc.tag, tc.delta, nil)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVersionStamp_CustomMemberOrder(t *testing.T) {
	t.Parallel()

	reversed := func(a, b uint16) int { return DefaultMemberOrder(b, a) }
	s := VersionStamp{EntryVersion: 3, Member: 1}
	require.ErrorIs(t, s.CheckConflict(version(3, 2), false, reversed), ErrConcurrentModification)
	require.NoError(t, s.CheckConflict(version(3, 2), false, DefaultMemberOrder))
}

// With concurrency checks a stale update never overwrites a newer one.
func TestConcurrent_VersionChecks(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{ConcurrencyChecks: true})
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Put("k", 2, UpdateOptions[int]{Version: version(2, 1)})
	require.NoError(t, err)

	_, err = m.Put("k", 1, UpdateOptions[int]{Version: version(1, 1)})
	require.ErrorIs(t, err, ErrConcurrentModification)
	v, e, _ := m.Get("k")
	require.Equal(t, 2, v)
	require.Equal(t, uint32(2), e.VersionStamp().EntryVersion)

	_, err = m.Put("k", 3, UpdateOptions[int]{Version: version(3, 1)})
	require.NoError(t, err)
	require.Equal(t, uint32(3), e.VersionStamp().EntryVersion)

	// Unversioned updates always apply and keep the stamp.
	_, err = m.Put("k", 4, noOpts[int]())
	require.NoError(t, err)
	require.Equal(t, uint32(3), e.VersionStamp().EntryVersion)

	_, err = m.Invalidate("k", UpdateOptions[int]{Version: version(1, 1)})
	require.ErrorIs(t, err, ErrConcurrentModification)
	require.Equal(t, TokenNone, e.Token())
}

// Removes leave tombstones that keep rejecting stale updates until reaped.
func TestConcurrent_Tombstones(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{ConcurrencyChecks: true})
	t.Cleanup(func() { _ = m.Close() })

	_, _ = m.Put("k", 1, UpdateOptions[int]{Version: version(1, 1)})
	res, err := m.Remove("k", UpdateOptions[int]{Version: version(4, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Old)
	require.Equal(t, TokenTombstone, res.Entry.Token())

	require.False(t, m.ContainsKey("k"))
	require.Equal(t, 0, m.Size())
	require.Empty(t, m.Keys())

	_, err = m.Put("k", 2, UpdateOptions[int]{Version: version(2, 1)})
	require.ErrorIs(t, err, ErrConcurrentModification, "tombstone keeps its version")

	_, err = m.Remove("k", noOpts[int]())
	require.ErrorIs(t, err, ErrEntryNotFound)

	require.Equal(t, 1, m.ReapTombstones([]string{"k", "never"}))
	_, err = m.Put("k", 2, UpdateOptions[int]{Version: version(2, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, m.Size())

	// A versioned destroy of an absent key still records the version.
	_, err = m.Remove("x", UpdateOptions[int]{Version: version(9, 1)})
	require.ErrorIs(t, err, ErrEntryNotFound)
	_, err = m.Create("x", 1, UpdateOptions[int]{Version: version(8, 1)})
	require.ErrorIs(t, err, ErrConcurrentModification)
	_, err = m.Create("x", 1, UpdateOptions[int]{Version: version(10, 1)})
	require.NoError(t, err, "create over a tombstone")
}

func TestConcurrent_InvalidateAbsentKeepsVersion(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{ConcurrencyChecks: true})
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Invalidate("k", UpdateOptions[int]{Version: version(5, 1)})
	require.ErrorIs(t, err, ErrEntryNotFound)
	e, _, ok := m.GetEntry("k")
	require.True(t, ok)
	require.Equal(t, TokenInvalid, e.Token())

	_, err = m.Put("k", 1, UpdateOptions[int]{Version: version(4, 1)})
	require.ErrorIs(t, err, ErrConcurrentModification)
}

func TestConcurrent_Delta(t *testing.T) {
	t.Parallel()

	m := NewConcurrent[string, int](Options[string, int]{ConcurrencyChecks: true})
	t.Cleanup(func() { _ = m.Close() })

	add := func(n int) Delta[int] { return func(old int) (int, error) { return old + n, nil } }

	_, err := m.Put("absent", 0, UpdateOptions[int]{Delta: add(1)})
	require.ErrorIs(t, err, ErrInvalidDelta)

	_, _ = m.Put("c", 10, UpdateOptions[int]{Version: version(1, 1)})
	_, err = m.Put("c", 0, UpdateOptions[int]{
		Delta:   add(5),
		Version: &VersionTag{EntryVersion: 2, Member: 2, PreviousMember: 1},
	})
	require.NoError(t, err)
	v, _, _ := m.Get("c")
	require.Equal(t, 15, v)

	_, err = m.Put("c", 0, UpdateOptions[int]{
		Delta:   add(5),
		Version: &VersionTag{EntryVersion: 4, Member: 2, PreviousMember: 2},
	})
	require.ErrorIs(t, err, ErrInvalidDelta, "missed an intermediate change")

	boom := errors.New("boom")
	_, err = m.Put("c", 0, UpdateOptions[int]{
		Delta:   func(int) (int, error) { return 0, boom },
		Version: &VersionTag{EntryVersion: 3, Member: 2, PreviousMember: 2},
	})
	require.ErrorIs(t, err, ErrInvalidDelta)
	v, _, _ = m.Get("c")
	require.Equal(t, 15, v)
}
