package reporting

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// value ranks for CompareValues.
const (
	rankAbsent = iota
	rankBool
	rankNumber
	rankText
	rankDate
)

// CompareValues orders heterogeneous cell or key values: absent < bool <
// numeric < text < date, then by value within a rank. It never fails on
// mixed types.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case rankBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case rankNumber:
		x, _ := ToDecimal(a)
		y, _ := ToDecimal(b)
		return x.Cmp(y)
	case rankText:
		return strings.Compare(a.(string), b.(string))
	case rankDate:
		x, y := a.(time.Time), b.(time.Time)
		return x.Compare(y)
	}
	return 0
}

// CompareKeys orders grouping keys ascending with absent values last.
func CompareKeys(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		an, bn := a[i] == nil, b[i] == nil
		switch {
		case an && bn:
			continue
		case an:
			return 1
		case bn:
			return -1
		}
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return rankAbsent
	case bool:
		return rankBool
	case string:
		return rankText
	case time.Time:
		return rankDate
	}
	if _, ok := ToDecimal(v); ok {
		return rankNumber
	}
	return rankAbsent
}

// ToDecimal converts numeric values to decimal.Decimal.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, false
		}
		return *x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt32(x), true
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	}
	return decimal.Zero, false
}
