package conflict

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"01/02/2006",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		return parseTime(x)
	case []byte:
		return parseTime(string(x))
	}
	return time.Time{}, false
}

func toText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

// Equal compares two column values under type-aware equality: numbers within
// tolerance, strings after trimming, times by instant.
func Equal(a, b any, tolerance float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ta, ok := a.(time.Time); ok {
		tb, ok := toTime(b)
		return ok && ta.Equal(tb)
	}
	if tb, ok := b.(time.Time); ok {
		ta, ok := toTime(a)
		return ok && ta.Equal(tb)
	}

	if ba, ok := a.(bool); ok {
		return boolEqual(ba, b)
	}
	if bb, ok := b.(bool); ok {
		return boolEqual(bb, a)
	}

	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if sa, ok := toText(a); ok && bNum {
		fa, aNum = parseFloat(sa)
	}
	if sb, ok := toText(b); ok && aNum && !bNum {
		fb, bNum = parseFloat(sb)
	}
	if aNum && bNum {
		return math.Abs(fa-fb) <= tolerance
	}

	sa, aText := toText(a)
	sb, bText := toText(b)
	if aText && bText {
		return strings.TrimSpace(sa) == strings.TrimSpace(sb)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func boolEqual(b bool, other any) bool {
	switch x := other.(type) {
	case bool:
		return b == x
	case string:
		pb, err := strconv.ParseBool(strings.TrimSpace(x))
		return err == nil && pb == b
	}
	if f, ok := toFloat(other); ok {
		return (f != 0) == b
	}
	return false
}

// Compare orders two values of the same kind. ok is false when they are not comparable.
func Compare(a, b any) (int, bool) {
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, aText := toText(a)
	sb, bText := toText(b)
	if aText && bText {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}
