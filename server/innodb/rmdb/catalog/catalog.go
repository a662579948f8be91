// Package catalog implements the L2 Catalog / SmManager of spec.md §3/§6:
// per-database table and index metadata, DDL execution, and db open/close,
// wiring each table's rmdb/record heap file and rmdb/index trees together.
//
// Grounded on src/system/sm_manager.cpp's responsibility split (own the
// catalog file, dispatch CREATE/DROP TABLE/INDEX, open/close the
// database's files) translated into the teacher's Go idiom of a struct
// with explicit Open/Close rather than RAII.
package catalog

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zhukovaskychina/xmysql-server/logger"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/bufferpool"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/diskmgr"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/index"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/record"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// IndexDef names the columns, in order, composing one secondary index.
type IndexDef struct {
	Cols []string
}

// Key renders an IndexDef as the file-suffix form spec.md §6 specifies:
// `<col1>[_<col2>...]`.
func (d IndexDef) Key() string { return strings.Join(d.Cols, "_") }

// persistedTable is the gob-serializable form of one table's schema.
type persistedTable struct {
	Name       string
	Cols       []rmtype.ColMeta
	RecordSize int32
	Indexes    []IndexDef
}

type persistedCatalog struct {
	Tables []persistedTable
}

// OpenIndex is one live, open secondary index on a table.
type OpenIndex struct {
	Def  IndexDef
	Meta index.IndexMeta
	Fd   int
	Tree *index.BPlusTree
}

// OpenTable is one live, open table: its schema, heap file, and indexes.
type OpenTable struct {
	Name       string
	Cols       []rmtype.ColMeta
	RecordSize int32
	Fd         int
	Heap       *record.RmFileHandle
	Indexes    map[string]*OpenIndex // keyed by IndexDef.Key()
}

// ColByName looks up a column's metadata by name.
func (t *OpenTable) ColByName(name string) (rmtype.ColMeta, bool) {
	for _, c := range t.Cols {
		if c.Name == name {
			return c, true
		}
	}
	return rmtype.ColMeta{}, false
}

// BuildRowKey concatenates the encoded column values of an index's columns
// from a full row buffer, in the index's declared order.
func (t *OpenTable) BuildRowKey(idx *OpenIndex, row []byte) []byte {
	buf := make([]byte, idx.Meta.TotLen)
	for _, col := range idx.Meta.Cols {
		tblCol, _ := t.ColByName(col.Name)
		copy(buf[col.Offset:col.Offset+col.Len], row[tblCol.Offset:tblCol.Offset+tblCol.Len])
	}
	return buf
}

// Catalog is the open database: its metadata and every open table/index
// file, all mediated through one shared buffer pool per spec.md §3.
type Catalog struct {
	mu     sync.Mutex
	dir    string
	bp     *bufferpool.BufferPool
	disk   *diskmgr.DiskManager
	Tables map[string]*OpenTable
}

func metaPath(dir string) string { return filepath.Join(dir, "db.meta") }
func heapPath(dir, table string) string { return filepath.Join(dir, table) }
func idxPath(dir, table string, def IndexDef) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.idx", table, def.Key()))
}

// layoutColumns assigns cumulative byte offsets to cols in declaration
// order and returns the total fixed record size, per spec.md §3.
func layoutColumns(cols []rmtype.ColMeta) ([]rmtype.ColMeta, int32) {
	out := make([]rmtype.ColMeta, len(cols))
	var off int32
	for i, c := range cols {
		cc := c
		cc.Offset = int(off)
		out[i] = cc
		off += int32(c.Len)
	}
	return out, off
}

// CreateDb initializes a brand-new database directory: db.meta, an empty
// log file, and a fresh buffer pool/disk manager pair.
func CreateDb(dir string, bufferFrames int) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, rmerrors.Wrap("catalog.CreateDb", err)
	}
	disk := diskmgr.NewDiskManager()
	if err := disk.OpenLogFile(filepath.Join(dir, "log.log")); err != nil {
		return nil, err
	}
	bp := bufferpool.NewBufferPool(disk, bufferFrames, 16)
	c := &Catalog{dir: dir, bp: bp, disk: disk, Tables: make(map[string]*OpenTable)}
	if err := c.persist(); err != nil {
		return nil, err
	}
	logger.Debugf("catalog: created database at %s\n", dir)
	return c, nil
}

// OpenDb reopens an existing database directory, reconstructing every
// table's heap file and index trees from db.meta.
func OpenDb(dir string, bufferFrames int) (*Catalog, error) {
	f, err := os.Open(metaPath(dir))
	if err != nil {
		return nil, rmerrors.Wrap("catalog.OpenDb", err)
	}
	var pc persistedCatalog
	if err := gob.NewDecoder(f).Decode(&pc); err != nil {
		f.Close()
		return nil, rmerrors.Wrap("catalog.OpenDb", err)
	}
	f.Close()

	disk := diskmgr.NewDiskManager()
	if err := disk.OpenLogFile(filepath.Join(dir, "log.log")); err != nil {
		return nil, err
	}
	bp := bufferpool.NewBufferPool(disk, bufferFrames, 16)
	c := &Catalog{dir: dir, bp: bp, disk: disk, Tables: make(map[string]*OpenTable)}

	for _, pt := range pc.Tables {
		fd, err := disk.OpenFile(heapPath(dir, pt.Name))
		if err != nil {
			return nil, err
		}
		heap, err := record.Open(bp, fd)
		if err != nil {
			return nil, err
		}
		ot := &OpenTable{Name: pt.Name, Cols: pt.Cols, RecordSize: pt.RecordSize, Fd: fd, Heap: heap, Indexes: make(map[string]*OpenIndex)}
		for _, def := range pt.Indexes {
			if err := c.openIndex(ot, def); err != nil {
				return nil, err
			}
		}
		c.Tables[pt.Name] = ot
	}
	logger.Debugf("catalog: opened database at %s with %d tables\n", dir, len(c.Tables))
	return c, nil
}

func (c *Catalog) openIndex(t *OpenTable, def IndexDef) error {
	cols := make([]rmtype.ColMeta, len(def.Cols))
	for i, name := range def.Cols {
		col, ok := t.ColByName(name)
		if !ok {
			return rmerrors.Wrap("catalog.openIndex", rmerrors.ErrColumnNotFound)
		}
		cols[i] = col
	}
	meta := index.BuildIndexMeta(cols)
	fd, err := c.disk.OpenFile(idxPath(c.dir, t.Name, def))
	if err != nil {
		return err
	}
	tree, err := index.Open(c.bp, fd, meta)
	if err != nil {
		return err
	}
	t.Indexes[def.Key()] = &OpenIndex{Def: def, Meta: meta, Fd: fd, Tree: tree}
	return nil
}

func (c *Catalog) persist() error {
	pc := persistedCatalog{}
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := c.Tables[name]
		defs := make([]IndexDef, 0, len(t.Indexes))
		keys := make([]string, 0, len(t.Indexes))
		for k := range t.Indexes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			defs = append(defs, t.Indexes[k].Def)
		}
		pc.Tables = append(pc.Tables, persistedTable{Name: t.Name, Cols: t.Cols, RecordSize: t.RecordSize, Indexes: defs})
	}
	f, err := os.Create(metaPath(c.dir))
	if err != nil {
		return rmerrors.Wrap("catalog.persist", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(pc); err != nil {
		return rmerrors.Wrap("catalog.persist", err)
	}
	return nil
}

// CreateTable registers a new table with the given columns and creates its
// heap file.
func (c *Catalog) CreateTable(name string, cols []rmtype.ColMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.Tables[name]; ok {
		return rmerrors.Wrap("catalog.CreateTable", rmerrors.ErrTableExists)
	}
	laidOut, recordSize := layoutColumns(cols)
	path := heapPath(c.dir, name)
	if err := c.disk.CreateFile(path); err != nil {
		return err
	}
	fd, err := c.disk.OpenFile(path)
	if err != nil {
		return err
	}
	heap, err := record.Create(c.bp, fd, int(recordSize))
	if err != nil {
		return err
	}
	c.Tables[name] = &OpenTable{Name: name, Cols: laidOut, RecordSize: recordSize, Fd: fd, Heap: heap, Indexes: make(map[string]*OpenIndex)}
	return c.persist()
}

// DropTable removes a table and all of its indexes.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[name]
	if !ok {
		return rmerrors.Wrap("catalog.DropTable", rmerrors.ErrTableNotFound)
	}
	for _, idx := range t.Indexes {
		c.disk.CloseFile(idx.Fd)
		c.disk.DestroyFile(idxPath(c.dir, name, idx.Def))
	}
	c.disk.CloseFile(t.Fd)
	c.disk.DestroyFile(heapPath(c.dir, name))
	delete(c.Tables, name)
	return c.persist()
}

// CreateIndex builds a secondary index over cols, populating it from every
// existing row in the table.
func (c *Catalog) CreateIndex(table string, cols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table]
	if !ok {
		return rmerrors.Wrap("catalog.CreateIndex", rmerrors.ErrTableNotFound)
	}
	def := IndexDef{Cols: cols}
	if _, exists := t.Indexes[def.Key()]; exists {
		return rmerrors.Wrap("catalog.CreateIndex", rmerrors.ErrIndexExists)
	}

	idxCols := make([]rmtype.ColMeta, len(cols))
	for i, name := range cols {
		col, ok := t.ColByName(name)
		if !ok {
			return rmerrors.Wrap("catalog.CreateIndex", rmerrors.ErrColumnNotFound)
		}
		idxCols[i] = col
	}
	meta := index.BuildIndexMeta(idxCols)
	path := idxPath(c.dir, table, def)
	if err := c.disk.CreateFile(path); err != nil {
		return err
	}
	fd, err := c.disk.OpenFile(path)
	if err != nil {
		return err
	}
	tree, err := index.Create(c.bp, fd, meta)
	if err != nil {
		return err
	}
	oi := &OpenIndex{Def: def, Meta: meta, Fd: fd, Tree: tree}

	scan, err := record.NewScan(t.Heap)
	if err != nil {
		return err
	}
	for !scan.IsEnd() {
		rid := scan.Rid()
		row, err := t.Heap.GetRecord(rid, nil, nil)
		if err != nil {
			return err
		}
		key := t.BuildRowKey(oi, row)
		ok, err := tree.InsertEntry(key, rid)
		if err != nil {
			return err
		}
		if !ok {
			return rmerrors.Wrap("catalog.CreateIndex", rmerrors.ErrIndexEntryRepeat)
		}
		if err := scan.Next(); err != nil {
			return err
		}
	}

	t.Indexes[def.Key()] = oi
	return c.persist()
}

// DropIndex removes a secondary index.
func (c *Catalog) DropIndex(table string, cols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table]
	if !ok {
		return rmerrors.Wrap("catalog.DropIndex", rmerrors.ErrTableNotFound)
	}
	def := IndexDef{Cols: cols}
	oi, ok := t.Indexes[def.Key()]
	if !ok {
		return rmerrors.Wrap("catalog.DropIndex", rmerrors.ErrIndexNotFound)
	}
	c.disk.CloseFile(oi.Fd)
	c.disk.DestroyFile(idxPath(c.dir, table, def))
	delete(t.Indexes, def.Key())
	return c.persist()
}

// Desc returns a table's column metadata, per spec.md §6's DESC statement.
func (c *Catalog) Desc(table string) ([]rmtype.ColMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table]
	if !ok {
		return nil, rmerrors.Wrap("catalog.Desc", rmerrors.ErrTableNotFound)
	}
	return t.Cols, nil
}

// ShowTables lists every table name, per spec.md §6's SHOW TABLES.
func (c *Catalog) ShowTables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShowIndexFrom lists a table's index column-sets, per spec.md §6's SHOW
// INDEX FROM.
func (c *Catalog) ShowIndexFrom(table string) ([]IndexDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table]
	if !ok {
		return nil, rmerrors.Wrap("catalog.ShowIndexFrom", rmerrors.ErrTableNotFound)
	}
	defs := make([]IndexDef, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		defs = append(defs, idx.Def)
	}
	return defs, nil
}

// GetTable exposes the live OpenTable for rmdb/exec and rmdb/txn.
func (c *Catalog) GetTable(name string) (*OpenTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[name]
	if !ok {
		return nil, rmerrors.Wrap("catalog.GetTable", rmerrors.ErrTableNotFound)
	}
	return t, nil
}

// BufferPool exposes the shared pool, e.g. for a flush on shutdown.
func (c *Catalog) BufferPool() *bufferpool.BufferPool { return c.bp }

// DiskManager exposes the shared disk manager, e.g. for wiring a LogManager.
func (c *Catalog) DiskManager() *diskmgr.DiskManager { return c.disk }

// Close flushes every dirty page and closes the database's files.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bp.FlushAllPages(); err != nil {
		return err
	}
	return c.disk.CloseLogFile()
}
