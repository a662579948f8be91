package exec

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/catalog"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/lockmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/txn"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/wal"
)

func newTestEnv(t *testing.T) (*catalog.Catalog, *lockmgr.LockManager, *wal.LogManager, *txn.Manager, func()) {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.CreateDb(dir, 64)
	assert.NoError(t, err)

	lm := lockmgr.NewLockManager()
	log := wal.NewLogManager(c.DiskManager(), 4096)
	mgr := txn.NewManager(lm, log, c)
	return c, lm, log, mgr, func() { os.RemoveAll(dir) }
}

func usersCols() []rmtype.ColMeta {
	return []rmtype.ColMeta{
		{Name: "id", Type: rmtype.TypeInt, Len: 4},
		{Name: "name", Type: rmtype.TypeChar, Len: 16},
	}
}

func TestSeqScanFiltersByCond(t *testing.T) {
	c, _, _, mgr, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	tbl, _ := c.GetTable("users")

	tx, err := mgr.Begin()
	assert.NoError(t, err)

	for i, name := range []string{"alice", "bob", "carol"} {
		row := encodeRow(t, tbl.Cols, int32(i+1), name)
		_, err := tbl.Heap.InsertRecord(row, 0, nil, nil)
		assert.NoError(t, err)
	}
	assert.NoError(t, mgr.Commit(tx))

	conds := []Cond{{Col: "id", Op: Gt, RhsVal: rmtype.NewIntValue(1)}}
	scan, err := NewSeqScan(tbl, conds, nil, nil)
	assert.NoError(t, err)

	var names []string
	for !scan.IsEnd() {
		row, err := scan.Current()
		assert.NoError(t, err)
		v, err := rmtype.Decode(tbl.Cols[1], row[tbl.Cols[1].Offset:tbl.Cols[1].Offset+tbl.Cols[1].Len])
		assert.NoError(t, err)
		names = append(names, v.Str)
		assert.NoError(t, scan.Next())
	}
	assert.Equal(t, []string{"bob", "carol"}, names)
}

func encodeRow(t *testing.T, cols []rmtype.ColMeta, id int32, name string) []byte {
	t.Helper()
	size := int32(0)
	for _, c := range cols {
		size += int32(c.Len)
	}
	buf := make([]byte, size)
	assert.NoError(t, rmtype.NewIntValue(id).Encode(cols[0], buf[cols[0].Offset:]))
	assert.NoError(t, rmtype.NewCharValue(name).Encode(cols[1], buf[cols[1].Offset:]))
	return buf
}

func TestIndexScanEquivalentToSeqScanFilter(t *testing.T) {
	c, _, _, _, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	assert.NoError(t, c.CreateIndex("users", []string{"id"}))
	tbl, _ := c.GetTable("users")

	for i, name := range []string{"alice", "bob", "carol", "dave"} {
		row := encodeRow(t, tbl.Cols, int32(i+1), name)
		rid, err := tbl.Heap.InsertRecord(row, 0, nil, nil)
		assert.NoError(t, err)
		idx := tbl.Indexes["id"]
		key := tbl.BuildRowKey(idx, row)
		_, err = idx.Tree.InsertEntry(key, rid)
		assert.NoError(t, err)
	}

	conds := []Cond{{Col: "id", Op: Ge, RhsVal: rmtype.NewIntValue(2)}}
	seq, err := NewSeqScan(tbl, conds, nil, nil)
	assert.NoError(t, err)
	var seqNames []string
	for !seq.IsEnd() {
		row, _ := seq.Current()
		v, _ := rmtype.Decode(tbl.Cols[1], row[tbl.Cols[1].Offset:tbl.Cols[1].Offset+tbl.Cols[1].Len])
		seqNames = append(seqNames, v.Str)
		assert.NoError(t, seq.Next())
	}

	idxScan, err := NewIndexScan(tbl, tbl.Indexes["id"], conds, nil, nil)
	assert.NoError(t, err)
	var idxNames []string
	for !idxScan.IsEnd() {
		row, _ := idxScan.Current()
		v, _ := rmtype.Decode(tbl.Cols[1], row[tbl.Cols[1].Offset:tbl.Cols[1].Offset+tbl.Cols[1].Len])
		idxNames = append(idxNames, v.Str)
		assert.NoError(t, idxScan.Next())
	}

	assert.Equal(t, seqNames, idxNames)
	assert.Equal(t, []string{"bob", "carol", "dave"}, idxNames)
}

func TestSortWithLimit(t *testing.T) {
	c, _, _, _, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	tbl, _ := c.GetTable("users")

	for i, name := range []string{"carol", "alice", "bob"} {
		row := encodeRow(t, tbl.Cols, int32(i+1), name)
		_, err := tbl.Heap.InsertRecord(row, 0, nil, nil)
		assert.NoError(t, err)
	}

	scan, err := NewSeqScan(tbl, nil, nil, nil)
	assert.NoError(t, err)
	sorted, err := NewSort(scan, []SortKey{{Col: "name"}}, 2)
	assert.NoError(t, err)

	var names []string
	for !sorted.IsEnd() {
		row, _ := sorted.Current()
		v, _ := rmtype.Decode(tbl.Cols[1], row[tbl.Cols[1].Offset:tbl.Cols[1].Offset+tbl.Cols[1].Len])
		names = append(names, v.Str)
		assert.NoError(t, sorted.Next())
	}
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestInsertMaintainsIndexAndRejectsDuplicate(t *testing.T) {
	c, lm, log, mgr, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	assert.NoError(t, c.CreateIndex("users", []string{"id"}))
	tbl, _ := c.GetTable("users")

	tx, err := mgr.Begin()
	assert.NoError(t, err)
	ins := NewInsert(tbl, lm, log, tx)
	rid, err := ins.Execute([]rmtype.Value{rmtype.NewIntValue(1), rmtype.NewCharValue("alice")})
	assert.NoError(t, err)
	assert.NoError(t, mgr.Commit(tx))

	idx := tbl.Indexes["id"]
	row, err := tbl.Heap.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	key := tbl.BuildRowKey(idx, row)
	gotRid, found, err := idx.Tree.GetValue(key)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rid, gotRid)

	tx2, err := mgr.Begin()
	assert.NoError(t, err)
	ins2 := NewInsert(tbl, lm, log, tx2)
	_, err = ins2.Execute([]rmtype.Value{rmtype.NewIntValue(1), rmtype.NewCharValue("bob")})
	assert.Error(t, err)

	_, stillFound, err := idx.Tree.GetValue(key)
	assert.NoError(t, err)
	assert.True(t, stillFound)
	assert.NoError(t, mgr.Abort(tx2))
}

func TestDeleteRemovesRowsAndIndexEntries(t *testing.T) {
	c, lm, log, mgr, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	assert.NoError(t, c.CreateIndex("users", []string{"id"}))
	tbl, _ := c.GetTable("users")

	tx, err := mgr.Begin()
	assert.NoError(t, err)
	ins := NewInsert(tbl, lm, log, tx)
	for i, name := range []string{"alice", "bob"} {
		_, err := ins.Execute([]rmtype.Value{rmtype.NewIntValue(int32(i + 1)), rmtype.NewCharValue(name)})
		assert.NoError(t, err)
	}
	assert.NoError(t, mgr.Commit(tx))

	tx2, err := mgr.Begin()
	assert.NoError(t, err)
	scan, err := NewSeqScan(tbl, []Cond{{Col: "id", Op: Eq, RhsVal: rmtype.NewIntValue(1)}}, lm, tx2)
	assert.NoError(t, err)
	del := NewDelete(tbl, lm, log, tx2)
	n, err := del.Execute(scan)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mgr.Commit(tx2))

	remaining, err := NewSeqScan(tbl, nil, nil, nil)
	assert.NoError(t, err)
	count := 0
	for !remaining.IsEnd() {
		count++
		assert.NoError(t, remaining.Next())
	}
	assert.Equal(t, 1, count)

	idx := tbl.Indexes["id"]
	_, found, err := idx.Tree.GetValue(tbl.BuildRowKey(idx, encodeRow(t, tbl.Cols, 1, "alice")))
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestUpdateRewritesIndexEntry(t *testing.T) {
	c, lm, log, mgr, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	assert.NoError(t, c.CreateIndex("users", []string{"id"}))
	tbl, _ := c.GetTable("users")

	tx, err := mgr.Begin()
	assert.NoError(t, err)
	ins := NewInsert(tbl, lm, log, tx)
	rid, err := ins.Execute([]rmtype.Value{rmtype.NewIntValue(1), rmtype.NewCharValue("alice")})
	assert.NoError(t, err)
	assert.NoError(t, mgr.Commit(tx))

	tx2, err := mgr.Begin()
	assert.NoError(t, err)
	scan, err := NewSeqScan(tbl, []Cond{{Col: "id", Op: Eq, RhsVal: rmtype.NewIntValue(1)}}, lm, tx2)
	assert.NoError(t, err)
	upd := NewUpdate(tbl, lm, log, tx2)
	n, err := upd.Execute(scan, []SetClause{{Col: "id", Val: rmtype.NewIntValue(99)}})
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mgr.Commit(tx2))

	idx := tbl.Indexes["id"]
	row, err := tbl.Heap.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	key := tbl.BuildRowKey(idx, row)
	gotRid, found, err := idx.Tree.GetValue(key)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rid, gotRid)
}

func TestAggregateFunctions(t *testing.T) {
	c, _, _, _, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("nums", []rmtype.ColMeta{{Name: "v", Type: rmtype.TypeInt, Len: 4}}))
	tbl, _ := c.GetTable("nums")

	for _, v := range []int32{5, 1, 3} {
		buf := make([]byte, 4)
		assert.NoError(t, rmtype.NewIntValue(v).Encode(tbl.Cols[0], buf))
		_, err := tbl.Heap.InsertRecord(buf, 0, nil, nil)
		assert.NoError(t, err)
	}

	scanFor := func() Iterator {
		s, err := NewSeqScan(tbl, nil, nil, nil)
		assert.NoError(t, err)
		return s
	}

	minAgg, err := NewAggregate(scanFor(), "v", AggMin)
	assert.NoError(t, err)
	row, err := minAgg.Current()
	assert.NoError(t, err)
	assert.Equal(t, "1", string(row))

	maxAgg, err := NewAggregate(scanFor(), "v", AggMax)
	assert.NoError(t, err)
	row, err = maxAgg.Current()
	assert.NoError(t, err)
	assert.Equal(t, "5", string(row))

	sumAgg, err := NewAggregate(scanFor(), "v", AggSum)
	assert.NoError(t, err)
	row, err = sumAgg.Current()
	assert.NoError(t, err)
	assert.Equal(t, "9", string(row))

	countAgg, err := NewAggregate(scanFor(), "v", AggCount)
	assert.NoError(t, err)
	row, err = countAgg.Current()
	assert.NoError(t, err)
	assert.Equal(t, "3", string(row))
}

func TestProjectSelectsNamedColumnsInOrder(t *testing.T) {
	c, _, _, mgr, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	tbl, _ := c.GetTable("users")

	tx, err := mgr.Begin()
	assert.NoError(t, err)
	row := encodeRow(t, tbl.Cols, 1, "alice")
	_, err = tbl.Heap.InsertRecord(row, 0, nil, nil)
	assert.NoError(t, err)
	assert.NoError(t, mgr.Commit(tx))

	scan, err := NewSeqScan(tbl, nil, nil, nil)
	assert.NoError(t, err)
	proj, err := NewProject(scan, []string{"name", "id"})
	assert.NoError(t, err)

	cols := proj.Cols()
	assert.Equal(t, []string{"name", "id"}, []string{cols[0].Name, cols[1].Name})

	rec, err := proj.Current()
	assert.NoError(t, err)
	nameVal, err := rmtype.Decode(cols[0], rec[cols[0].Offset:cols[0].Offset+cols[0].Len])
	assert.NoError(t, err)
	assert.Equal(t, "alice", nameVal.Str)
	idVal, err := rmtype.Decode(cols[1], rec[cols[1].Offset:cols[1].Offset+cols[1].Len])
	assert.NoError(t, err)
	assert.Equal(t, int32(1), idVal.Int)
}

func TestBlockNestedLoopJoinMatchesSpecScenarioS5(t *testing.T) {
	c, _, _, _, cleanup := newTestEnv(t)
	defer cleanup()

	xCol := []rmtype.ColMeta{{Name: "x", Type: rmtype.TypeInt, Len: 4}}
	assert.NoError(t, c.CreateTable("a", xCol))
	assert.NoError(t, c.CreateTable("b", xCol))
	aTbl, _ := c.GetTable("a")
	bTbl, _ := c.GetTable("b")

	for _, v := range []int32{1, 2, 3, 4} {
		buf := make([]byte, 4)
		assert.NoError(t, rmtype.NewIntValue(v).Encode(aTbl.Cols[0], buf))
		_, err := aTbl.Heap.InsertRecord(buf, 0, nil, nil)
		assert.NoError(t, err)
	}
	for _, v := range []int32{2, 4} {
		buf := make([]byte, 4)
		assert.NoError(t, rmtype.NewIntValue(v).Encode(bTbl.Cols[0], buf))
		_, err := bTbl.Heap.InsertRecord(buf, 0, nil, nil)
		assert.NoError(t, err)
	}

	join, err := NewBlockNestedLoopJoin(aTbl, bTbl, nil, nil,
		[]Cond{{Col: "x", Op: Eq, IsColRef: true, RhsCol: "x"}}, 2, nil, nil)
	assert.NoError(t, err)

	cols := join.Cols()
	var got [][2]int32
	for !join.IsEnd() {
		row, err := join.Current()
		assert.NoError(t, err)
		aVal, err := rmtype.Decode(cols[0], row[cols[0].Offset:cols[0].Offset+cols[0].Len])
		assert.NoError(t, err)
		bVal, err := rmtype.Decode(cols[1], row[cols[1].Offset:cols[1].Offset+cols[1].Len])
		assert.NoError(t, err)
		got = append(got, [2]int32{aVal.Int, bVal.Int})
		assert.NoError(t, join.Next())
	}
	assert.ElementsMatch(t, [][2]int32{{2, 2}, {4, 4}}, got)
}

func TestProjectStarKeepsAllColumns(t *testing.T) {
	c, _, _, _, cleanup := newTestEnv(t)
	defer cleanup()
	assert.NoError(t, c.CreateTable("users", usersCols()))
	tbl, _ := c.GetTable("users")

	scan, err := NewSeqScan(tbl, nil, nil, nil)
	assert.NoError(t, err)
	proj, err := NewProject(scan, nil)
	assert.NoError(t, err)
	assert.Equal(t, tbl.Cols, proj.Cols())
}
