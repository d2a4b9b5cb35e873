package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is a single record keyed by column name.
//
// Rows marshal to JSON with a small type envelope per value so that snapshots stored
// in the ledger come back with the same Go types (time.Time stays a time, int64 stays
// an integer) when they are replayed during rollback.
type Row map[string]any

func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Values returns the values of cols in order.
func (r Row) Values(cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

// Project returns a row holding only cols.
func (r Row) Project(cols []string) Row {
	out := make(Row, len(cols))
	for _, c := range cols {
		out[c] = r[c]
	}
	return out
}

func (r Row) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	enc := make(map[string]TypedValue, len(r))
	for k, v := range r {
		tv, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		enc[k] = tv
	}
	return json.Marshal(enc)
}

func (r *Row) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}
	var enc map[string]TypedValue
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	out := make(Row, len(enc))
	for k, tv := range enc {
		v, err := tv.Decode()
		if err != nil {
			return fmt.Errorf("column %s: %w", k, err)
		}
		out[k] = v
	}
	*r = out
	return nil
}

// TypedValue is the JSON envelope for a single column value.
type TypedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

const (
	typeNull   = "null"
	typeBool   = "bool"
	typeInt    = "int"
	typeUint   = "uint"
	typeFloat  = "float"
	typeString = "string"
	typeBytes  = "bytes"
	typeTime   = "time"
	typeJSON   = "json"
)

func EncodeValue(v any) (TypedValue, error) {
	var (
		t   string
		raw any
	)
	switch x := v.(type) {
	case nil:
		return TypedValue{T: typeNull}, nil
	case bool:
		t, raw = typeBool, x
	case int:
		t, raw = typeInt, int64(x)
	case int8:
		t, raw = typeInt, int64(x)
	case int16:
		t, raw = typeInt, int64(x)
	case int32:
		t, raw = typeInt, int64(x)
	case int64:
		t, raw = typeInt, x
	case uint:
		t, raw = typeUint, uint64(x)
	case uint8:
		t, raw = typeInt, int64(x)
	case uint16:
		t, raw = typeInt, int64(x)
	case uint32:
		t, raw = typeInt, int64(x)
	case uint64:
		t, raw = typeUint, x
	case float32:
		t, raw = typeFloat, float64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t, raw = typeString, fmt.Sprint(x)
		} else {
			t, raw = typeFloat, x
		}
	case string:
		t, raw = typeString, x
	case []byte:
		t, raw = typeBytes, x
	case time.Time:
		t, raw = typeTime, x.Format(time.RFC3339Nano)
	default:
		t, raw = typeJSON, x
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return TypedValue{}, fmt.Errorf("encode %T: %w", v, err)
	}
	return TypedValue{T: t, V: b}, nil
}

func (tv TypedValue) Decode() (any, error) {
	switch tv.T {
	case typeNull, "":
		return nil, nil
	case typeBool:
		var b bool
		err := json.Unmarshal(tv.V, &b)
		return b, err
	case typeInt:
		var i int64
		err := json.Unmarshal(tv.V, &i)
		return i, err
	case typeUint:
		var u uint64
		err := json.Unmarshal(tv.V, &u)
		return u, err
	case typeFloat:
		var f float64
		err := json.Unmarshal(tv.V, &f)
		return f, err
	case typeString:
		var s string
		err := json.Unmarshal(tv.V, &s)
		return s, err
	case typeBytes:
		var b []byte
		err := json.Unmarshal(tv.V, &b)
		return b, err
	case typeTime:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case typeJSON:
		var x any
		err := json.Unmarshal(tv.V, &x)
		return x, err
	default:
		return nil, fmt.Errorf("unknown value type %q", tv.T)
	}
}

// Checkpoint is a keyset cursor: the watermark of the last acknowledged row plus its
// primary key values as a tie breaker. Watermark is nil for full and selective slices.
type Checkpoint struct {
	Watermark any
	Key       []any
}

type checkpointJSON struct {
	Watermark TypedValue   `json:"watermark"`
	Key       []TypedValue `json:"key"`
}

func (c Checkpoint) MarshalJSON() ([]byte, error) {
	wm, err := EncodeValue(c.Watermark)
	if err != nil {
		return nil, err
	}
	out := checkpointJSON{Watermark: wm, Key: make([]TypedValue, len(c.Key))}
	for i, k := range c.Key {
		if out.Key[i], err = EncodeValue(k); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var in checkpointJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	wm, err := in.Watermark.Decode()
	if err != nil {
		return err
	}
	c.Watermark = wm
	c.Key = make([]any, len(in.Key))
	for i, k := range in.Key {
		if c.Key[i], err = k.Decode(); err != nil {
			return err
		}
	}
	return nil
}

// KeyOf renders the values of cols as a comparable string. Integer widths, byte
// slices and time zones are normalized so keys read from different drivers match.
func KeyOf(r Row, cols []string) string {
	return KeyString(r.Values(cols))
}

func KeyString(vals []any) string {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(keyPart(v))
	}
	return b.String()
}

func keyPart(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
