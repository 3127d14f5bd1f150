package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFactories builds each Engine implementation for the shared tests.
func engineFactories(t *testing.T) map[string]func() Engine {
	return map[string]func() Engine{
		"memory": func() Engine { return NewMemoryEngine() },
		"log": func() Engine {
			e, err := NewLogEngine(filepath.Join(t.TempDir(), "sqldb.log"))
			require.NoError(t, err)
			return e
		},
	}
}

func keys(pairs []KvPair) []string {
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, string(kv.Key))
	}
	return out
}

func TestEnginePointOps(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			require.NoError(t, e.Set([]byte("aa"), []byte{1, 2, 3}))
			got, err := e.Get([]byte("aa"))
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, got)

			require.NoError(t, e.Set([]byte("aa"), []byte{4}))
			got, err = e.Get([]byte("aa"))
			require.NoError(t, err)
			assert.Equal(t, []byte{4}, got)

			got, err = e.Get([]byte("missing"))
			require.NoError(t, err)
			assert.Nil(t, got)

			require.NoError(t, e.Set([]byte("empty"), []byte{}))
			got, err = e.Get([]byte("empty"))
			require.NoError(t, err)
			assert.NotNil(t, got)
			assert.Len(t, got, 0)

			require.NoError(t, e.Delete([]byte("aa")))
			require.NoError(t, e.Delete([]byte("aa")))
			require.NoError(t, e.Delete([]byte("never")))
			got, err = e.Get([]byte("aa"))
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestEngineScan(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			for _, k := range []string{"a", "b", "c", "d", "e"} {
				require.NoError(t, e.Set([]byte(k), []byte("v"+k)))
			}

			tests := []struct {
				name string
				r    Range
				want []string
			}{
				{"all", RangeAll(), []string{"a", "b", "c", "d", "e"}},
				{"inclusive", RangeInclusive([]byte("b"), []byte("d")), []string{"b", "c", "d"}},
				{"exclusive", RangeExclusive([]byte("b"), []byte("d")), []string{"b", "c"}},
				{"from", RangeFrom([]byte("c")), []string{"c", "d", "e"}},
				{"excluded start", Range{Start: Bound{[]byte("b"), Excluded}}, []string{"c", "d", "e"}},
				{"upper only", Range{End: Bound{[]byte("b"), Included}}, []string{"a", "b"}},
				{"empty", RangeExclusive([]byte("c"), []byte("c")), []string{}},
			}
			for _, tt := range tests {
				it, err := e.Scan(tt.r)
				require.NoError(t, err)
				assert.Equal(t, tt.want, keys(it.Collect()), tt.name)
			}

			it, err := e.Scan(RangeAll())
			require.NoError(t, err)
			assert.Equal(t, 5, it.Len())
			kv, ok := it.NextBack()
			require.True(t, ok)
			assert.Equal(t, "e", string(kv.Key))
			assert.Equal(t, "ve", string(kv.Value))
			kv, ok = it.Next()
			require.True(t, ok)
			assert.Equal(t, "a", string(kv.Key))
			assert.Equal(t, []string{"b", "c", "d"}, keys(it.Collect()))
			_, ok = it.Next()
			assert.False(t, ok)
			_, ok = it.NextBack()
			assert.False(t, ok)
		})
	}
}

func TestEngineScanPrefix(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			for _, k := range []string{"aa", "aaa", "ab", "b", "a\xff", "a\xff\x01", "\xff\xff"} {
				require.NoError(t, e.Set([]byte(k), []byte{}))
			}

			it, err := e.ScanPrefix([]byte("aa"))
			require.NoError(t, err)
			assert.Equal(t, []string{"aa", "aaa"}, keys(it.Collect()))

			it, err = e.ScanPrefix([]byte("a\xff"))
			require.NoError(t, err)
			assert.Equal(t, []string{"a\xff", "a\xff\x01"}, keys(it.Collect()))

			it, err = e.ScanPrefix([]byte("\xff"))
			require.NoError(t, err)
			assert.Equal(t, []string{"\xff\xff"}, keys(it.Collect()))

			it, err = e.ScanPrefix(nil)
			require.NoError(t, err)
			assert.Equal(t, 7, it.Len())
		})
	}
}

// The iterator is a copy, so writes after the scan do not affect it.
func TestEngineIteratorIsolated(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			require.NoError(t, e.Set([]byte("a"), []byte("1")))
			it, err := e.Scan(RangeAll())
			require.NoError(t, err)
			require.NoError(t, e.Set([]byte("b"), []byte("2")))
			require.NoError(t, e.Delete([]byte("a")))

			pairs := it.Collect()
			require.Len(t, pairs, 1)
			assert.Equal(t, "1", string(pairs[0].Value))
		})
	}
}

func TestEngineClosed(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			require.NoError(t, e.Close())

			assert.Equal(t, ErrEngineClosed, e.Set([]byte("a"), nil))
			_, err := e.Get([]byte("a"))
			assert.Equal(t, ErrEngineClosed, err)
			_, err = e.Scan(RangeAll())
			assert.Equal(t, ErrEngineClosed, err)
		})
	}
}

func TestPrefixSuccessor(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("a"), []byte("b")},
		{[]byte("ab"), []byte("ac")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0x01, 0xfe, 0xff, 0xff}, []byte{0x01, 0xff}},
		{[]byte{0x61, 0x80}, []byte{0x61, 0x81}},
		{[]byte{0x02, 0x00, 0xfe}, []byte{0x02, 0x00, 0xff}},
		{[]byte{0x01, 0xc3, 0xff}, []byte{0x01, 0xc4}},
		{[]byte{0xff, 0xff}, nil},
		{[]byte{}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PrefixSuccessor(tt.prefix), fmt.Sprintf("%x", tt.prefix))
	}

	prefix := []byte{0x01, 0xff}
	PrefixSuccessor(prefix)
	assert.Equal(t, []byte{0x01, 0xff}, prefix)

	r := PrefixRange([]byte{0xff})
	assert.Equal(t, Unbounded, r.End.Kind)
	assert.True(t, r.Contains([]byte{0xff, 0xff, 0xff}))
	assert.False(t, r.Contains([]byte{0xfe}))
}

func TestScanPrefixHighBytes(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()
			for _, k := range []string{"a\x7f", "a\x80", "a\x80\x00", "a\x81", "a\xfe", "b"} {
				require.NoError(t, e.Set([]byte(k), []byte{1}))
			}
			it, err := e.ScanPrefix([]byte("a\x80"))
			require.NoError(t, err)
			assert.Equal(t, []string{"a\x80", "a\x80\x00"}, keys(it.Collect()))
		})
	}
}

func TestMemoryStatus(t *testing.T) {
	e := NewMemoryEngine()
	require.NoError(t, e.Set([]byte("ab"), []byte("cde")))
	require.NoError(t, e.Set([]byte("f"), nil))
	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{Name: "memory", Keys: 2, Size: 6}, st)
}
