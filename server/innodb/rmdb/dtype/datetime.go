// Package dtype implements the narrow set of column-type helpers the record
// manager and index comparators rely on: DATETIME string <-> packed-decimal
// int64 conversion. SQL-level parsing of datetime literals is an external
// collaborator (see spec.md §1); this package is the codec that collaborator
// would call.
package dtype

import (
	"fmt"

	"github.com/zhukovaskychina/xmysql-server/server/innodb/rmdb/rmerrors"
)

// Layout matches spec.md §6: "YYYY-MM-DD HH:MM:SS", length 19.
const DatetimeStringLen = 19

// daysInMonth returns the max day-of-month, treating every Feb as having 29
// days (spec.md §6's validation rule: "if M=2 then D<=29", no further leap
// year check).
func daysInMonth(m int) int {
	switch m {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}

// Pack encodes the six calendar fields into the packed-decimal int64 form
// spec.md §6 defines: (((((Y*100+M)*100+D)*100+h)*100+m)*100+s).
func Pack(year, month, day, hour, minute, second int) (int64, error) {
	if year < 1000 || year > 9999 {
		return 0, rmerrors.Wrap("dtype.Pack", fmt.Errorf("%w: year %d out of [1000,9999]", rmerrors.ErrDatetimeFormat, year))
	}
	if month < 1 || month > 12 {
		return 0, rmerrors.Wrap("dtype.Pack", fmt.Errorf("%w: month %d out of [1,12]", rmerrors.ErrDatetimeFormat, month))
	}
	if day < 1 || day > daysInMonth(month) {
		return 0, rmerrors.Wrap("dtype.Pack", fmt.Errorf("%w: day %d invalid for month %d", rmerrors.ErrDatetimeFormat, day, month))
	}
	if hour < 0 || hour > 23 {
		return 0, rmerrors.Wrap("dtype.Pack", fmt.Errorf("%w: hour %d out of [0,23]", rmerrors.ErrDatetimeFormat, hour))
	}
	if minute < 0 || minute > 59 {
		return 0, rmerrors.Wrap("dtype.Pack", fmt.Errorf("%w: minute %d out of [0,59]", rmerrors.ErrDatetimeFormat, minute))
	}
	if second < 0 || second > 59 {
		return 0, rmerrors.Wrap("dtype.Pack", fmt.Errorf("%w: second %d out of [0,59]", rmerrors.ErrDatetimeFormat, second))
	}
	v := int64(year)
	v = v*100 + int64(month)
	v = v*100 + int64(day)
	v = v*100 + int64(hour)
	v = v*100 + int64(minute)
	v = v*100 + int64(second)
	return v, nil
}

// Unpack is the inverse of Pack.
func Unpack(v int64) (year, month, day, hour, minute, second int) {
	second = int(v % 100)
	v /= 100
	minute = int(v % 100)
	v /= 100
	hour = int(v % 100)
	v /= 100
	day = int(v % 100)
	v /= 100
	month = int(v % 100)
	v /= 100
	year = int(v)
	return
}

// ParseDatetime parses "YYYY-MM-DD HH:MM:SS" into the packed integer form.
func ParseDatetime(s string) (int64, error) {
	if len(s) != DatetimeStringLen {
		return 0, rmerrors.Wrap("dtype.ParseDatetime", fmt.Errorf("%w: length %d, want %d", rmerrors.ErrDatetimeFormat, len(s), DatetimeStringLen))
	}
	var year, month, day, hour, minute, second int
	_, err := fmt.Sscanf(s, "%04d-%02d-%02d %02d:%02d:%02d", &year, &month, &day, &hour, &minute, &second)
	if err != nil {
		return 0, rmerrors.Wrap("dtype.ParseDatetime", fmt.Errorf("%w: %v", rmerrors.ErrDatetimeFormat, err))
	}
	if s[4] != '-' || s[7] != '-' || s[10] != ' ' || s[13] != ':' || s[16] != ':' {
		return 0, rmerrors.Wrap("dtype.ParseDatetime", fmt.Errorf("%w: malformed separators", rmerrors.ErrDatetimeFormat))
	}
	return Pack(year, month, day, hour, minute, second)
}

// FormatDatetime is the inverse of ParseDatetime.
func FormatDatetime(v int64) string {
	year, month, day, hour, minute, second := Unpack(v)
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
}
