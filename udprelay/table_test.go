package udprelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAssoc struct {
	name string
}

func TestTable_GetOrCreateBuildsOnce(t *testing.T) {
	table := NewTable[*fakeAssoc]()

	calls := 0
	build := func() *fakeAssoc {
		calls++
		return &fakeAssoc{name: "a"}
	}

	first, created := table.GetOrCreate(1, Native, build)
	require.True(t, created)

	second, created := table.GetOrCreate(1, Native, build)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestTable_NativeModeGetsReassembler(t *testing.T) {
	table := NewTable[*fakeAssoc]()
	table.GetOrCreate(1, Native, func() *fakeAssoc { return &fakeAssoc{} })
	table.GetOrCreate(2, Quic, func() *fakeAssoc { return &fakeAssoc{} })

	assert.NotNil(t, table.Reassembler(1))
	assert.Nil(t, table.Reassembler(2))
}

func TestTable_RemoveDeletesEntry(t *testing.T) {
	table := NewTable[*fakeAssoc]()
	table.GetOrCreate(1, Quic, func() *fakeAssoc { return &fakeAssoc{name: "a"} })

	data, ok := table.Remove(1)
	require.True(t, ok)
	assert.Equal(t, "a", data.name)

	_, ok = table.Get(1)
	assert.False(t, ok)

	_, ok = table.Remove(1)
	assert.False(t, ok)
}

func TestTable_Range(t *testing.T) {
	table := NewTable[*fakeAssoc]()
	table.GetOrCreate(1, Quic, func() *fakeAssoc { return &fakeAssoc{name: "a"} })
	table.GetOrCreate(2, Quic, func() *fakeAssoc { return &fakeAssoc{name: "b"} })

	seen := map[uint32]string{}
	table.Range(func(id uint32, data *fakeAssoc) {
		seen[id] = data.name
	})
	assert.Equal(t, map[uint32]string{1: "a", 2: "b"}, seen)
	assert.Equal(t, 2, table.Len())
}
