// Package rmtype defines the primitive column types, typed values, and
// identifiers (Rid, Iid) shared by the record manager, B+tree index and
// execution operators, per spec.md §3 and the GLOSSARY.
package rmtype

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/dtype"
	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
)

// ColType enumerates spec.md §3's primitive column types.
type ColType int

const (
	TypeInt ColType = iota
	TypeBigInt
	TypeFloat
	TypeChar
	TypeDatetime
)

func (t ColType) String() string {
	switch t {
	case TypeInt:
		return "INT"
	case TypeBigInt:
		return "BIGINT"
	case TypeFloat:
		return "FLOAT"
	case TypeChar:
		return "CHAR"
	case TypeDatetime:
		return "DATETIME"
	default:
		return "UNKNOWN"
	}
}

// FixedLen returns the on-disk byte width for a scalar type; CHAR(n) is the
// only variable-width type, carrying its length separately.
func (t ColType) FixedLen() int {
	switch t {
	case TypeInt:
		return 4
	case TypeBigInt, TypeFloat, TypeDatetime:
		return 8
	default:
		return 0
	}
}

// ColMeta describes one column's name, type, length and byte offset within
// a table's fixed-length record, assigned at CREATE TABLE time.
type ColMeta struct {
	Name    string
	Type    ColType
	Len     int // byte width: FixedLen() for scalars, declared n for CHAR(n)
	Offset  int
	Indexed bool
}

// Rid is a heap record identifier: (page_no, slot_no).
type Rid struct {
	PageNo int32
	SlotNo int32
}

func (r Rid) String() string {
	return fmt.Sprintf("Rid{%d,%d}", r.PageNo, r.SlotNo)
}

// Iid is a B+tree leaf position: (page_no, slot_no).
type Iid struct {
	PageNo int32
	SlotNo int32
}

func (i Iid) String() string {
	return fmt.Sprintf("Iid{%d,%d}", i.PageNo, i.SlotNo)
}

// Value is a typed column value, carrying enough information to encode
// itself into a record buffer or index key using its column's metadata.
type Value struct {
	Type ColType
	Int  int32
	Big  int64 // also used for TypeDatetime (packed form) and TypeBigInt
	Flt  float64
	Str  string // raw, not yet padded; Encode pads/truncates to Len
}

func NewIntValue(v int32) Value      { return Value{Type: TypeInt, Int: v} }
func NewBigIntValue(v int64) Value   { return Value{Type: TypeBigInt, Big: v} }
func NewFloatValue(v float64) Value  { return Value{Type: TypeFloat, Flt: v} }
func NewCharValue(v string) Value    { return Value{Type: TypeChar, Str: v} }
func NewDatetimeValue(v int64) Value { return Value{Type: TypeDatetime, Big: v} }

// Encode writes v into buf[:col.Len] using col's type, little-endian for
// numerics, space-padded ASCII for CHAR(n).
func (v Value) Encode(col ColMeta, buf []byte) error {
	if len(buf) < col.Len {
		return rmerrors.Wrap("Value.Encode", fmt.Errorf("buffer too small for column %s", col.Name))
	}
	switch col.Type {
	case TypeInt:
		binary.LittleEndian.PutUint32(buf, uint32(v.Int))
	case TypeBigInt:
		binary.LittleEndian.PutUint64(buf, uint64(v.Big))
	case TypeFloat:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Flt))
	case TypeDatetime:
		binary.LittleEndian.PutUint64(buf, uint64(v.Big))
	case TypeChar:
		s := v.Str
		if len(s) > col.Len {
			s = s[:col.Len]
		}
		copy(buf, s)
		for i := len(s); i < col.Len; i++ {
			buf[i] = ' '
		}
	default:
		return rmerrors.Wrap("Value.Encode", fmt.Errorf("unknown type %v", col.Type))
	}
	return nil
}

// Decode reads a Value of col's type out of buf[:col.Len].
func Decode(col ColMeta, buf []byte) (Value, error) {
	if len(buf) < col.Len {
		return Value{}, rmerrors.Wrap("Decode", fmt.Errorf("buffer too small for column %s", col.Name))
	}
	switch col.Type {
	case TypeInt:
		return Value{Type: TypeInt, Int: int32(binary.LittleEndian.Uint32(buf))}, nil
	case TypeBigInt:
		return Value{Type: TypeBigInt, Big: int64(binary.LittleEndian.Uint64(buf))}, nil
	case TypeFloat:
		return Value{Type: TypeFloat, Flt: math.Float64frombits(binary.LittleEndian.Uint64(buf))}, nil
	case TypeDatetime:
		return Value{Type: TypeDatetime, Big: int64(binary.LittleEndian.Uint64(buf))}, nil
	case TypeChar:
		s := strings.TrimRight(string(buf[:col.Len]), " ")
		return Value{Type: TypeChar, Str: s}, nil
	default:
		return Value{}, rmerrors.Wrap("Decode", fmt.Errorf("unknown type %v", col.Type))
	}
}

// Compare orders two encoded column slices typed by col, per spec.md §4.3's
// ix_compare: numeric types compare as numbers, CHAR compares via memcmp at
// fixed length (lexicographic byte comparison).
func Compare(col ColMeta, a, b []byte) int {
	switch col.Type {
	case TypeInt:
		av := int32(binary.LittleEndian.Uint32(a))
		bv := int32(binary.LittleEndian.Uint32(b))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case TypeBigInt, TypeDatetime:
		av := int64(binary.LittleEndian.Uint64(a))
		bv := int64(binary.LittleEndian.Uint64(b))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case TypeFloat:
		av := math.Float64frombits(binary.LittleEndian.Uint64(a))
		bv := math.Float64frombits(binary.LittleEndian.Uint64(b))
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case TypeChar:
		return bytes.Compare(a[:col.Len], b[:col.Len])
	default:
		return bytes.Compare(a, b)
	}
}

// AsDatetimeString renders a TypeDatetime value via dtype.FormatDatetime.
func (v Value) AsDatetimeString() string {
	return dtype.FormatDatetime(v.Big)
}

// String renders v for result output / logging.
func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeBigInt:
		return fmt.Sprintf("%d", v.Big)
	case TypeFloat:
		return fmt.Sprintf("%g", v.Flt)
	case TypeChar:
		return v.Str
	case TypeDatetime:
		return v.AsDatetimeString()
	default:
		return "<?>"
	}
}
