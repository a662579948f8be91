package exec

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmtype"
)

// AggFunc is one of the single-column aggregates spec.md §4.8 supports.
// Multi-column aggregation and GROUP BY are explicitly out of scope.
type AggFunc int

const (
	AggMin AggFunc = iota
	AggMax
	AggSum
	AggCount
)

func (f AggFunc) String() string {
	switch f {
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	case AggSum:
		return "SUM"
	case AggCount:
		return "COUNT"
	default:
		return "?"
	}
}

// valueToDecimal converts a numeric column value to decimal for SUM
// accumulation, rejecting the non-numeric types SUM cannot apply to.
func valueToDecimal(v rmtype.Value) (decimal.Decimal, error) {
	switch v.Type {
	case rmtype.TypeInt:
		return decimal.New(int64(v.Int), 0), nil
	case rmtype.TypeBigInt:
		return decimal.New(v.Big, 0), nil
	case rmtype.TypeFloat:
		return decimal.NewFromFloat(v.Flt), nil
	default:
		return decimal.Decimal{}, rmerrors.Wrap("exec.valueToDecimal", rmerrors.ErrIncompatibleType)
	}
}

// Aggregate consumes child entirely and emits a single tuple holding one
// MIN/MAX/SUM/COUNT over one column, per spec.md §4.8. The result is
// rendered as its string form into a single variable-length TypeChar
// column, since the in-memory result tuple has no fixed-record-size
// constraint the way a heap-backed row does.
type Aggregate struct {
	col     rmtype.ColMeta
	fn      AggFunc
	outCols []rmtype.ColMeta
	row     []byte
	done    bool
}

// NewAggregate drains child and computes fn over colName.
func NewAggregate(child Iterator, colName string, fn AggFunc) (*Aggregate, error) {
	col, ok := lookupCol(child.Cols(), colName)
	if !ok {
		return nil, rmerrors.Wrap("exec.NewAggregate", rmerrors.ErrColumnNotFound)
	}

	count := 0
	var sum decimal.Decimal
	var extremeRaw []byte

	for !child.IsEnd() {
		row, err := child.Current()
		if err != nil {
			return nil, err
		}
		raw := row[col.Offset : col.Offset+col.Len]

		switch fn {
		case AggCount:
			count++
		case AggSum:
			v, err := rmtype.Decode(col, raw)
			if err != nil {
				return nil, err
			}
			d, err := valueToDecimal(v)
			if err != nil {
				return nil, err
			}
			sum = sum.Add(d)
		case AggMin, AggMax:
			if extremeRaw == nil {
				extremeRaw = append([]byte(nil), raw...)
			} else {
				cmp := rmtype.Compare(col, raw, extremeRaw)
				if (fn == AggMin && cmp < 0) || (fn == AggMax && cmp > 0) {
					extremeRaw = append([]byte(nil), raw...)
				}
			}
		}
		if err := child.Next(); err != nil {
			return nil, err
		}
	}

	var resultStr string
	switch fn {
	case AggCount:
		resultStr = fmt.Sprintf("%d", count)
	case AggSum:
		resultStr = sum.String()
	case AggMin, AggMax:
		if extremeRaw == nil {
			resultStr = ""
		} else {
			extreme, err := rmtype.Decode(col, extremeRaw)
			if err != nil {
				return nil, err
			}
			resultStr = extreme.String()
		}
	}

	outCol := rmtype.ColMeta{Name: aggName(fn, colName), Type: rmtype.TypeChar, Len: len(resultStr), Offset: 0}
	return &Aggregate{col: col, fn: fn, outCols: []rmtype.ColMeta{outCol}, row: []byte(resultStr)}, nil
}

func aggName(fn AggFunc, colName string) string {
	return fmt.Sprintf("%s(%s)", fn.String(), colName)
}

func (a *Aggregate) Init() error { return nil }

func (a *Aggregate) Next() error {
	a.done = true
	return nil
}

func (a *Aggregate) IsEnd() bool { return a.done }

func (a *Aggregate) Current() ([]byte, error) {
	if a.done {
		return nil, rmerrors.Wrap("exec.Aggregate.Current", rmerrors.ErrRecordNotFound)
	}
	return a.row, nil
}

func (a *Aggregate) Cols() []rmtype.ColMeta { return a.outCols }
