package overflow_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/gridclient/entries"
	"github.com/IvanBrykalov/gridclient/overflow"
	"github.com/IvanBrykalov/gridclient/policy"
)

type order struct {
	ID    int      `json:"id"`
	Items []string `json:"items"`
	Total float64  `json:"total"`
}

func newDisk[V any](t *testing.T, cache int) *overflow.Disk[string, V] {
	t.Helper()
	d, err := overflow.NewDisk[string, V](overflow.DiskOptions[string, V]{
		Dir:           t.TempDir(),
		RegionID:      "/orders/eu",
		ReadCacheSize: cache,
		LogContext:    dlog.NewTestContext(t, false),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func managers(t *testing.T) map[string]overflow.Manager[string, order] {
	return map[string]overflow.Manager[string, order]{
		"memory":     overflow.NewMemory[string, order](),
		"disk":       newDisk[order](t, 0),
		"disk+cache": newDisk[order](t, 8),
	}
}

func TestManager_RoundTrip(t *testing.T) {
	t.Parallel()

	for name, m := range managers(t) {
		m := m
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := order{ID: 7, Items: []string{"a", "b"}, Total: 12.5}
			require.NoError(t, m.Write("o7", in))
			out, err := m.Read("o7")
			require.NoError(t, err)
			require.Equal(t, in, out)

			in.Total = 99
			require.NoError(t, m.Write("o7", in), "overwrite")
			out, err = m.Read("o7")
			require.NoError(t, err)
			require.Equal(t, 99.0, out.Total)

			require.NoError(t, m.Destroy("o7"))
			_, err = m.Read("o7")
			require.ErrorIs(t, err, overflow.ErrNotFound)
			require.NoError(t, m.Destroy("o7"), "destroying twice is fine")

			require.NoError(t, m.Close())
			require.ErrorIs(t, m.Write("o8", in), overflow.ErrClosed)
		})
	}
}

func TestDisk_Layout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	d, err := overflow.NewDisk[int, string](overflow.DiskOptions[int, string]{Dir: root, RegionID: "/a/b"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a__b"), d.Dir())

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Write(i, "v"+strconv.Itoa(i)))
	}
	files, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	require.Len(t, files, 3, "one file per key and no temp files left")
	for _, f := range files {
		require.Equal(t, ".json", filepath.Ext(f.Name()))
	}

	require.NoError(t, d.Close())
	_, err = os.Stat(d.Dir())
	require.True(t, os.IsNotExist(err), "Close removes the region directory")
	require.NoError(t, d.Close())
}

func TestDisk_RequiresDirAndRegion(t *testing.T) {
	t.Parallel()

	_, err := overflow.NewDisk[string, int](overflow.DiskOptions[string, int]{Dir: t.TempDir()})
	require.Error(t, err)
	_, err = overflow.NewDisk[string, int](overflow.DiskOptions[string, int]{RegionID: "r"})
	require.Error(t, err)
}

func TestDisk_CorruptFile(t *testing.T) {
	t.Parallel()

	d := newDisk[order](t, 0)
	require.NoError(t, d.Write("k", order{ID: 1}))
	files, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, os.WriteFile(filepath.Join(d.Dir(), files[0].Name()), []byte("{not json"), 0o600))

	_, err = d.Read("k")
	require.Error(t, err)
	require.NotErrorIs(t, err, overflow.ErrNotFound)
}

func TestJSONCodec(t *testing.T) {
	t.Parallel()

	var c overflow.JSONCodec[map[string]int]
	data, err := c.Marshal(map[string]int{"x": 1})
	require.NoError(t, err)
	v, err := c.Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"x": 1}, v)

	_, err = c.Unmarshal([]byte(`{"x": 1} trailing`))
	require.Error(t, err)
}

// A bounded map spills to disk and reads every value back unchanged.
func TestDisk_BehindLRUMap(t *testing.T) {
	t.Parallel()

	d := newDisk[order](t, 4)
	m := entries.NewLRU[string, order](entries.Options[string, order]{
		LRULimit:       10,
		EvictionAction: policy.OverflowToDisk,
		Overflow:       d,
	})
	t.Cleanup(func() { _ = m.Close() })

	const n = 100
	for i := 0; i < n; i++ {
		_, err := m.Put("o"+strconv.Itoa(i), order{ID: i, Total: float64(i)}, entries.UpdateOptions[order]{})
		require.NoError(t, err)
	}
	require.Equal(t, n, m.Size())
	require.Equal(t, 10, m.InMemoryCount())

	files, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	require.Len(t, files, n-10)

	for i := 0; i < n; i++ {
		v, _, ok := m.Get("o" + strconv.Itoa(i))
		require.True(t, ok, "o%d", i)
		require.Equal(t, i, v.ID)
	}
	require.LessOrEqual(t, m.InMemoryCount(), 10)
}

type pair struct{ A, B string }

// Keys that print alike still get files of their own.
func TestDisk_DistinctKeysDistinctFiles(t *testing.T) {
	t.Parallel()

	opts := map[string]overflow.DiskOptions[pair, int]{
		"default names": {},
		"constant names": {
			KeyName: func(pair) string { return "same" },
		},
		"sprint names": {
			KeyName: func(k pair) string { return fmt.Sprint(k) },
		},
	}
	for name, opt := range opts {
		opt := opt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			opt.Dir = t.TempDir()
			opt.RegionID = "pairs"
			d, err := overflow.NewDisk[pair, int](opt)
			require.NoError(t, err)
			t.Cleanup(func() { _ = d.Close() })

			k1, k2 := pair{"a b", ""}, pair{"a", "b "}
			require.NoError(t, d.Write(k1, 1))
			require.NoError(t, d.Write(k2, 2))
			files, err := os.ReadDir(d.Dir())
			require.NoError(t, err)
			require.Len(t, files, 2)

			v, err := d.Read(k1)
			require.NoError(t, err)
			require.Equal(t, 1, v)
			v, err = d.Read(k2)
			require.NoError(t, err)
			require.Equal(t, 2, v)

			require.NoError(t, d.Destroy(k1))
			_, err = d.Read(k1)
			require.ErrorIs(t, err, overflow.ErrNotFound)
			v, err = d.Read(k2)
			require.NoError(t, err)
			require.Equal(t, 2, v, "destroying one key leaves the other")

			require.NoError(t, d.Write(k1, 3), "a freed name can be reused")
			v, err = d.Read(k1)
			require.NoError(t, err)
			require.Equal(t, 3, v)
		})
	}
}

func TestDisk_InterfaceValueNeedsCodec(t *testing.T) {
	t.Parallel()

	_, err := overflow.NewDisk[string, any](overflow.DiskOptions[string, any]{Dir: t.TempDir(), RegionID: "r"})
	require.ErrorIs(t, err, overflow.ErrCodecRequired)

	d, err := overflow.NewDisk[string, any](overflow.DiskOptions[string, any]{
		Dir:      t.TempDir(),
		RegionID: "r",
		Codec:    intCodec{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Write("k", 5))
	v, err := d.Read("k")
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

// intCodec stores ints held in an interface.
type intCodec struct{}

func (intCodec) Marshal(v any) ([]byte, error) {
	n, ok := v.(int)
	if !ok {
		return nil, fmt.Errorf("not an int: %T", v)
	}
	return []byte(strconv.Itoa(n)), nil
}

func (intCodec) Unmarshal(data []byte) (any, error) { return strconv.Atoi(string(data)) }

// Struct keys that print alike survive a round trip through a bounded map.
func TestDisk_StructKeysBehindLRUMap(t *testing.T) {
	t.Parallel()

	d, err := overflow.NewDisk[pair, int](overflow.DiskOptions[pair, int]{Dir: t.TempDir(), RegionID: "pairs"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	m := entries.NewLRU[pair, int](entries.Options[pair, int]{
		LRULimit:       1,
		EvictionAction: policy.OverflowToDisk,
		Overflow:       d,
	})
	t.Cleanup(func() { _ = m.Close() })

	keys := []pair{{"a b", ""}, {"a", "b "}, {"x", ""}}
	for i, k := range keys {
		_, err := m.Put(k, i, entries.UpdateOptions[int]{})
		require.NoError(t, err)
	}
	for i, k := range keys {
		v, _, ok := m.Get(k)
		require.True(t, ok, "%v", k)
		require.Equal(t, i, v, "%v", k)
	}
}
