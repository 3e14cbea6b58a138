package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/lsmgo/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNewestVisibleVersion(t *testing.T) {
	m := New(0)
	m.Add(1, core.KindSet, []byte("k"), []byte("v1"))
	m.Add(5, core.KindSet, []byte("k"), []byte("v5"))
	m.Add(9, core.KindDelete, []byte("k"), nil)

	v, kind, ok := m.Get([]byte("k"), core.MaxSeqNum)
	require.True(t, ok)
	assert.Equal(t, core.KindDelete, kind)
	assert.Nil(t, v)

	v, kind, ok = m.Get([]byte("k"), 5)
	require.True(t, ok)
	assert.Equal(t, core.KindSet, kind)
	assert.Equal(t, []byte("v5"), v)

	v, _, ok = m.Get([]byte("k"), 4)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	_, _, ok = m.Get([]byte("missing"), core.MaxSeqNum)
	assert.False(t, ok)
}

func TestAscendOrder(t *testing.T) {
	m := New(0)
	m.Add(2, core.KindSet, []byte("b"), []byte("2"))
	m.Add(1, core.KindSet, []byte("a"), []byte("1"))
	m.Add(3, core.KindSet, []byte("a"), []byte("3"))

	var got []string
	m.Ascend(func(e Entry) bool {
		got = append(got, fmt.Sprintf("%s@%d", e.Key, e.Seq))
		return true
	})
	assert.Equal(t, []string{"a@3", "a@1", "b@2"}, got)
}

func TestFlushAccounting(t *testing.T) {
	m := New(128)
	assert.False(t, m.ShouldScheduleFlush())

	m.Add(1, core.KindSet, []byte("key"), make([]byte, 100))
	assert.True(t, m.ShouldScheduleFlush())

	require.True(t, m.MarkFlushScheduled())
	assert.False(t, m.MarkFlushScheduled())
	assert.False(t, m.ShouldScheduleFlush())
	assert.True(t, m.FlushScheduled())
}

func TestConcurrentAdds(t *testing.T) {
	m := New(0)

	const (
		goroutines = 8
		perG       = 500
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				seq := core.SeqNum(g*perG + i + 1)
				key := fmt.Appendf(nil, "key-%d-%d", g, i)
				m.Add(seq, core.KindSet, key, []byte("v"))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, goroutines*perG, m.Len())
}
