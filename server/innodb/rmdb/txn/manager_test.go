package txn

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/wal"
)

func newTestEnv(t *testing.T) (*catalog.Catalog, *Manager, func()) {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.CreateDb(dir, 64)
	assert.NoError(t, err)

	cols := []rmtype.ColMeta{{Name: "id", Type: rmtype.TypeInt, Len: 4}}
	assert.NoError(t, c.CreateTable("t", cols))
	assert.NoError(t, c.CreateIndex("t", []string{"id"}))

	lm := lockmgr.NewLockManager()
	log := wal.NewLogManager(c.DiskManager(), 4096)
	mgr := NewManager(lm, log, c)
	return c, mgr, func() { os.RemoveAll(dir) }
}

func encodeID(t *testing.T, v int32) []byte {
	t.Helper()
	col := rmtype.ColMeta{Type: rmtype.TypeInt, Len: 4}
	buf := make([]byte, 4)
	assert.NoError(t, rmtype.NewIntValue(v).Encode(col, buf))
	return buf
}

func TestCommitPersistsInsert(t *testing.T) {
	c, mgr, cleanup := newTestEnv(t)
	defer cleanup()

	tx, err := mgr.Begin()
	assert.NoError(t, err)

	tbl, _ := c.GetTable("t")
	row := encodeID(t, 7)
	rid, err := tbl.Heap.InsertRecord(row, tx.PrevLsn(), nil, tx)
	assert.NoError(t, err)
	tx.AppendWrite(WriteSetEntry{Type: WriteInsert, Table: "t", Rid: rid})

	assert.NoError(t, mgr.Commit(tx))
	assert.Equal(t, Committed, tx.State())

	got, err := tbl.Heap.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, row, got)
}

func TestAbortRollsBackInsert(t *testing.T) {
	c, mgr, cleanup := newTestEnv(t)
	defer cleanup()

	tx, err := mgr.Begin()
	assert.NoError(t, err)

	tbl, _ := c.GetTable("t")
	row := encodeID(t, 9)
	rid, err := tbl.Heap.InsertRecord(row, tx.PrevLsn(), nil, tx)
	assert.NoError(t, err)
	tx.AppendWrite(WriteSetEntry{Type: WriteInsert, Table: "t", Rid: rid})

	assert.NoError(t, mgr.Abort(tx))
	assert.Equal(t, Aborted, tx.State())

	_, err = tbl.Heap.GetRecord(rid, nil, nil)
	assert.Error(t, err)

	idx := tbl.Indexes["id"]
	_, found, err := idx.Tree.GetValue(row)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestAbortRollsBackDeleteAndUpdate(t *testing.T) {
	c, mgr, cleanup := newTestEnv(t)
	defer cleanup()

	tbl, _ := c.GetTable("t")
	original := encodeID(t, 1)
	rid, err := tbl.Heap.InsertRecord(original, 0, nil, nil)
	assert.NoError(t, err)
	idx := tbl.Indexes["id"]
	_, err = idx.Tree.InsertEntry(original, rid)
	assert.NoError(t, err)

	tx, err := mgr.Begin()
	assert.NoError(t, err)

	// Delete then undo: the row and its index entry must come back.
	assert.NoError(t, tbl.Heap.DeleteRecord(rid, tx.PrevLsn(), nil, tx))
	_, err = idx.Tree.DeleteEntry(original)
	assert.NoError(t, err)
	tx.AppendWrite(WriteSetEntry{Type: WriteDelete, Table: "t", Rid: rid, Before: original})

	assert.NoError(t, mgr.Abort(tx))

	got, err := tbl.Heap.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, original, got)

	_, found, err := idx.Tree.GetValue(original)
	assert.NoError(t, err)
	assert.True(t, found)

	// Update then undo: the before-image and its index key must come back.
	tx2, err := mgr.Begin()
	assert.NoError(t, err)
	updated := encodeID(t, 2)
	assert.NoError(t, tbl.Heap.UpdateRecord(rid, updated, tx2.PrevLsn(), nil, tx2))
	_, err = idx.Tree.DeleteEntry(original)
	assert.NoError(t, err)
	_, err = idx.Tree.InsertEntry(updated, rid)
	assert.NoError(t, err)
	tx2.AppendWrite(WriteSetEntry{Type: WriteUpdate, Table: "t", Rid: rid, Before: original})

	assert.NoError(t, mgr.Abort(tx2))

	got, err = tbl.Heap.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, original, got)
	_, found, err = idx.Tree.GetValue(original)
	assert.NoError(t, err)
	assert.True(t, found)
	_, found, err = idx.Tree.GetValue(updated)
	assert.NoError(t, err)
	assert.False(t, found)
}
