package exec

import (
	"sort"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// SortKey is one (col, direction) entry of a Sort's ORDER BY list.
type SortKey struct {
	Col  string
	Desc bool
}

// Sort materializes every child tuple, sorts by keys using lex order, and
// supports LIMIT by truncating the materialized set, per spec.md §4.8.
// negative limit means no limit.
type Sort struct {
	cols []rmtype.ColMeta
	rows [][]byte
	idx  int
}

// NewSort drains child fully, sorts, and truncates to limit.
func NewSort(child Iterator, keys []SortKey, limit int) (*Sort, error) {
	cols := child.Cols()
	var rows [][]byte
	for !child.IsEnd() {
		row, err := child.Current()
		if err != nil {
			return nil, err
		}
		rows = append(rows, append([]byte(nil), row...))
		if err := child.Next(); err != nil {
			return nil, err
		}
	}

	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			col, ok := lookupCol(cols, k.Col)
			if !ok {
				sortErr = rmerrors.Wrap("exec.Sort", rmerrors.ErrColumnNotFound)
				return false
			}
			c := rmtype.Compare(col, rows[i][col.Offset:col.Offset+col.Len], rows[j][col.Offset:col.Offset+col.Len])
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if sortErr != nil {
		return nil, sortErr
	}

	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return &Sort{cols: cols, rows: rows}, nil
}

func (s *Sort) Init() error { return nil }

func (s *Sort) Next() error {
	if s.idx < len(s.rows) {
		s.idx++
	}
	return nil
}

func (s *Sort) IsEnd() bool { return s.idx >= len(s.rows) }

func (s *Sort) Current() ([]byte, error) {
	if s.IsEnd() {
		return nil, rmerrors.Wrap("exec.Sort.Current", rmerrors.ErrRecordNotFound)
	}
	return s.rows[s.idx], nil
}

func (s *Sort) Cols() []rmtype.ColMeta { return s.cols }
