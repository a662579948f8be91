package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/diskmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &LogRecord{
		Type: Insert, Lsn: 5, TxnID: 1, PrevLsn: NoPrevLsn,
		Insert: &InsertBody{Record: []byte("hello"), Rid: rmtype.Rid{PageNo: 2, SlotNo: 3}, Table: "t", IsRollback: false},
	}
	got, err := Decode(Encode(rec))
	assert.NoError(t, err)
	assert.Equal(t, rec.Lsn, got.Lsn)
	assert.Equal(t, rec.Insert.Record, got.Insert.Record)
	assert.Equal(t, rec.Insert.Rid, got.Insert.Rid)
	assert.Equal(t, rec.Insert.Table, got.Insert.Table)
	assert.False(t, got.Insert.IsRollback)
}

func newTestLog(t *testing.T) (*diskmgr.DiskManager, func()) {
	t.Helper()
	dir := t.TempDir()
	dm := diskmgr.NewDiskManager()
	assert.NoError(t, dm.OpenLogFile(dir+"/log.log"))
	return dm, func() { os.RemoveAll(dir) }
}

func TestLogManagerAppendAndFlush(t *testing.T) {
	dm, cleanup := newTestLog(t)
	defer cleanup()

	lm := NewLogManager(dm, 4096)
	lsn0, err := lm.Append(&LogRecord{Type: Begin, TxnID: 1, PrevLsn: NoPrevLsn})
	assert.NoError(t, err)
	assert.Equal(t, int32(0), lsn0)

	lsn1, err := lm.Append(&LogRecord{Type: Commit, TxnID: 1, PrevLsn: lsn0})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), lsn1)

	assert.NoError(t, lm.FlushLogToDisk())
	assert.Equal(t, int32(1), lm.PersistLSN())

	recs, err := readAllRecords(dm)
	assert.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, Begin, recs[0].Type)
	assert.Equal(t, Commit, recs[1].Type)
}

func TestLogManagerOverflowFlushes(t *testing.T) {
	dm, cleanup := newTestLog(t)
	defer cleanup()

	// Small buffer forces a flush mid-sequence.
	lm := NewLogManager(dm, headerSize+16)
	for i := 0; i < 5; i++ {
		_, err := lm.Append(&LogRecord{Type: Begin, TxnID: int32(i), PrevLsn: NoPrevLsn})
		assert.NoError(t, err)
	}
	assert.NoError(t, lm.FlushLogToDisk())
	recs, err := readAllRecords(dm)
	assert.NoError(t, err)
	assert.Len(t, recs, 5)
}

type fakeTarget struct {
	inserted map[rmtype.Rid][]byte
	deleted  map[rmtype.Rid]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{inserted: make(map[rmtype.Rid][]byte), deleted: make(map[rmtype.Rid]bool)}
}
func (f *fakeTarget) ApplyInsert(table string, rid rmtype.Rid, record []byte, isRollback bool) error {
	f.inserted[rid] = record
	delete(f.deleted, rid)
	return nil
}
func (f *fakeTarget) ApplyDelete(table string, rid rmtype.Rid) error {
	f.deleted[rid] = true
	delete(f.inserted, rid)
	return nil
}
func (f *fakeTarget) ApplyUpdate(table string, rid rmtype.Rid, after []byte) error {
	f.inserted[rid] = after
	return nil
}

func TestRecoveryRedoesCommittedAndUndoesLoser(t *testing.T) {
	dm, cleanup := newTestLog(t)
	defer cleanup()
	lm := NewLogManager(dm, 4096)

	// Txn 1: BEGIN, INSERT, COMMIT -- should survive (redo).
	l0, _ := lm.Append(&LogRecord{Type: Begin, TxnID: 1, PrevLsn: NoPrevLsn})
	ridA := rmtype.Rid{PageNo: 1, SlotNo: 0}
	l1, _ := lm.Append(&LogRecord{Type: Insert, TxnID: 1, PrevLsn: l0, Insert: &InsertBody{Record: []byte("AAAA"), Rid: ridA, Table: "t"}})
	_, _ = lm.Append(&LogRecord{Type: Commit, TxnID: 1, PrevLsn: l1})

	// Txn 2: BEGIN, INSERT -- never commits, a crash "loser" (undo).
	l2, _ := lm.Append(&LogRecord{Type: Begin, TxnID: 2, PrevLsn: NoPrevLsn})
	ridB := rmtype.Rid{PageNo: 2, SlotNo: 0}
	l3, _ := lm.Append(&LogRecord{Type: Insert, TxnID: 2, PrevLsn: l2, Insert: &InsertBody{Record: []byte("BBBB"), Rid: ridB, Table: "t"}})
	_ = l3

	assert.NoError(t, lm.FlushLogToDisk())

	target := newFakeTarget()
	res, err := Recover(dm, target)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), res.NextTxnID)

	assert.Equal(t, []byte("AAAA"), target.inserted[ridA])
	assert.True(t, target.deleted[ridB])
}
