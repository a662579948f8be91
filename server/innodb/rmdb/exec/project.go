package exec

import (
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// Project narrows child's columns to a named subset, per the SELECT {*|cols}
// surface of spec.md §6. It re-packs each child tuple into a new contiguous
// buffer laid out in the requested column order rather than exposing slices
// into the child's row, since callers are free to hold onto Current()'s
// return value across calls to Next().
type Project struct {
	child   Iterator
	outCols []rmtype.ColMeta
	srcCols []rmtype.ColMeta
	row     []byte
}

// NewProject selects names (in order) from child's columns. An empty names
// list means "*": every child column, in its existing order.
func NewProject(child Iterator, names []string) (*Project, error) {
	if len(names) == 0 {
		out := append([]rmtype.ColMeta(nil), child.Cols()...)
		return &Project{child: child, outCols: out, srcCols: child.Cols()}, nil
	}

	srcCols := make([]rmtype.ColMeta, 0, len(names))
	outCols := make([]rmtype.ColMeta, 0, len(names))
	var offset int
	for _, name := range names {
		col, ok := lookupCol(child.Cols(), name)
		if !ok {
			return nil, rmerrors.Wrap("exec.NewProject", rmerrors.ErrColumnNotFound)
		}
		srcCols = append(srcCols, col)
		outCols = append(outCols, rmtype.ColMeta{Name: col.Name, Type: col.Type, Len: col.Len, Offset: offset})
		offset += col.Len
	}
	return &Project{child: child, outCols: outCols, srcCols: srcCols}, nil
}

func (p *Project) Init() error { return p.child.Init() }

func (p *Project) Next() error { return p.child.Next() }

func (p *Project) IsEnd() bool { return p.child.IsEnd() }

func (p *Project) Current() ([]byte, error) {
	rec, err := p.child.Current()
	if err != nil {
		return nil, err
	}
	row := make([]byte, p.outLen())
	for i, src := range p.srcCols {
		out := p.outCols[i]
		copy(row[out.Offset:out.Offset+out.Len], rec[src.Offset:src.Offset+src.Len])
	}
	p.row = row
	return p.row, nil
}

func (p *Project) Cols() []rmtype.ColMeta { return p.outCols }

func (p *Project) outLen() int {
	var total int
	for _, c := range p.outCols {
		total += c.Len
	}
	return total
}
