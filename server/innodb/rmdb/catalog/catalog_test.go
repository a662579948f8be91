package catalog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

func testCols() []rmtype.ColMeta {
	return []rmtype.ColMeta{
		{Name: "id", Type: rmtype.TypeInt, Len: 4},
		{Name: "name", Type: rmtype.TypeChar, Len: 16},
	}
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

func TestCreateTableAndIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	defer os.RemoveAll(dir)

	c, err := CreateDb(dir, 64)
	assert.NoError(t, err)
	assert.NoError(t, c.CreateTable("users", testCols()))

	tbl, err := c.GetTable("users")
	assert.NoError(t, err)

	row := encodeRow(t, tbl.Cols, 1, "alice")
	rid, err := tbl.Heap.InsertRecord(row, 0, nil, nil)
	assert.NoError(t, err)

	assert.NoError(t, c.CreateIndex("users", []string{"id"}))
	tbl, _ = c.GetTable("users")
	idx := tbl.Indexes["id"]
	key := tbl.BuildRowKey(idx, row)
	gotRid, found, err := idx.Tree.GetValue(key)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rid, gotRid)

	assert.NoError(t, c.Close())
}

func TestOpenDbReconstructsTablesAndIndexes(t *testing.T) {
	dir := t.TempDir()
	defer os.RemoveAll(dir)

	c, err := CreateDb(dir, 64)
	assert.NoError(t, err)
	assert.NoError(t, c.CreateTable("users", testCols()))
	assert.NoError(t, c.CreateIndex("users", []string{"id"}))

	tbl, _ := c.GetTable("users")
	row := encodeRow(t, tbl.Cols, 42, "bob")
	rid, err := tbl.Heap.InsertRecord(row, 0, nil, nil)
	assert.NoError(t, err)
	idx := tbl.Indexes["id"]
	key := tbl.BuildRowKey(idx, row)
	_, err = idx.Tree.InsertEntry(key, rid)
	assert.NoError(t, err)
	assert.NoError(t, c.Close())

	c2, err := OpenDb(dir, 64)
	assert.NoError(t, err)
	assert.Equal(t, []string{"users"}, c2.ShowTables())

	tbl2, err := c2.GetTable("users")
	assert.NoError(t, err)
	got, err := tbl2.Heap.GetRecord(rid, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, row, got)

	idx2 := tbl2.Indexes["id"]
	assert.NotNil(t, idx2)
	gotRid, found, err := idx2.Tree.GetValue(key)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, rid, gotRid)
}

func TestDropTableRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	defer os.RemoveAll(dir)

	c, err := CreateDb(dir, 64)
	assert.NoError(t, err)
	assert.NoError(t, c.CreateTable("t", testCols()))
	assert.NoError(t, c.DropTable("t"))
	assert.Empty(t, c.ShowTables())

	_, err = c.GetTable("t")
	assert.Error(t, err)

	_, statErr := os.Stat(heapPath(dir, "t"))
	assert.True(t, os.IsNotExist(statErr))
}
