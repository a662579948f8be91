package index

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/bufferpool"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/diskmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

func newTestTree(t *testing.T) (*BPlusTree, func()) {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/t.idx"

	dm := diskmgr.NewDiskManager()
	assert.NoError(t, dm.CreateFile(path))
	fd, err := dm.OpenFile(path)
	assert.NoError(t, err)

	bp := bufferpool.NewBufferPool(dm, 64, 4)
	meta := BuildIndexMeta([]rmtype.ColMeta{{Name: "k", Type: rmtype.TypeInt, Len: 4}})
	tree, err := Create(bp, fd, meta)
	assert.NoError(t, err)

	return tree, func() { os.RemoveAll(dir) }
}

func intKey(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestBTreeInsertLookup(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	for i := int32(0); i < 200; i++ {
		ok, err := tree.InsertEntry(intKey(i), rmtype.Rid{PageNo: i, SlotNo: 0})
		assert.NoError(t, err)
		assert.True(t, ok)
	}

	for i := int32(0); i < 200; i++ {
		rid, found, err := tree.GetValue(intKey(i))
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, i, rid.PageNo)
	}

	_, found, err := tree.GetValue(intKey(500))
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestBTreeDuplicateRejected(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	ok, err := tree.InsertEntry(intKey(7), rmtype.Rid{PageNo: 1, SlotNo: 0})
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = tree.InsertEntry(intKey(7), rmtype.Rid{PageNo: 2, SlotNo: 0})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBTreeDeleteAndReinsert(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	const n = 300
	for i := int32(0); i < n; i++ {
		_, err := tree.InsertEntry(intKey(i), rmtype.Rid{PageNo: i})
		assert.NoError(t, err)
	}
	for i := int32(0); i < n; i += 2 {
		deleted, err := tree.DeleteEntry(intKey(i))
		assert.NoError(t, err)
		assert.True(t, deleted)
	}
	for i := int32(0); i < n; i++ {
		_, found, err := tree.GetValue(intKey(i))
		assert.NoError(t, err)
		assert.Equal(t, i%2 != 0, found)
	}

	// Deleting everything must empty the tree back to InvalidPageID.
	for i := int32(1); i < n; i += 2 {
		_, err := tree.DeleteEntry(intKey(i))
		assert.NoError(t, err)
	}
	assert.Equal(t, InvalidPageID, tree.RootPageNo())

	// Reinserting into the emptied tree must work again.
	ok, err := tree.InsertEntry(intKey(42), rmtype.Rid{PageNo: 42})
	assert.NoError(t, err)
	assert.True(t, ok)
	rid, found, err := tree.GetValue(intKey(42))
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int32(42), rid.PageNo)
}

func TestBTreeScanOrdered(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	const n = 150
	for i := int32(n - 1); i >= 0; i-- {
		_, err := tree.InsertEntry(intKey(i), rmtype.Rid{PageNo: i})
		assert.NoError(t, err)
	}

	low, err := tree.LowerBound(intKey(10), 1)
	assert.NoError(t, err)
	high, err := tree.UpperBound(intKey(100), 1, true)
	assert.NoError(t, err)

	scan := tree.NewIxScan(low, high)
	var got []int32
	for !scan.IsEnd() {
		rid, err := scan.Rid()
		assert.NoError(t, err)
		got = append(got, rid.PageNo)
		assert.NoError(t, scan.Next())
	}

	assert.Len(t, got, 91) // [10, 100] inclusive
	for i, v := range got {
		assert.Equal(t, int32(10+i), v)
	}
}

func TestBTreeBalanceInvariant(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	const n = 500
	for i := int32(0); i < n; i++ {
		_, err := tree.InsertEntry(intKey(i), rmtype.Rid{PageNo: i})
		assert.NoError(t, err)
	}

	var walk func(pageNo int32, isRoot bool)
	walk = func(pageNo int32, isRoot bool) {
		nk, err := tree.NumKeyOf(pageNo)
		assert.NoError(t, err)
		if !isRoot {
			assert.GreaterOrEqual(t, nk, tree.MinSize())
		}
		assert.Less(t, nk, tree.MaxSize())
		children, err := tree.ChildrenOf(pageNo)
		assert.NoError(t, err)
		for _, c := range children {
			walk(c, false)
		}
	}
	walk(tree.RootPageNo(), true)
}
