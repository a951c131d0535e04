package wal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zoravur/livequery/internal/store"
)

// RowKeyFor derives the store row key of a Postgres row from its key values.
// A single value that reads as an integer is used as is, so integer primary
// keys and the foreign keys pointing at them agree. Anything else is hashed.
func RowKeyFor(values []any) store.RowKey {
	if len(values) == 1 {
		if n, err := strconv.ParseInt(text(values[0]), 10, 64); err == nil {
			return store.RowKey(n)
		}
	}
	h := xxhash.New()
	for _, v := range values {
		if v == nil {
			_, _ = h.Write([]byte{0xff})
		} else {
			_, _ = h.WriteString(text(v))
		}
		_, _ = h.Write([]byte{0})
	}
	// hashed keys are non-negative
	return store.RowKey(h.Sum64() &^ (1 << 63))
}

// text renders a value the way Postgres' text output would for the types
// wal2json and a ::text cast produce.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// coerce converts a decoded column value to the store's representation for
// typ. Link columns are handled by the caller.
func coerce(typ store.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case store.TypeInt:
		if n, ok := v.(int64); ok {
			return n, nil
		}
		n, err := strconv.ParseInt(text(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("int column: %w", err)
		}
		return n, nil
	case store.TypeFloat:
		if f, ok := v.(float64); ok {
			return f, nil
		}
		f, err := strconv.ParseFloat(text(v), 64)
		if err != nil {
			return nil, fmt.Errorf("float column: %w", err)
		}
		return f, nil
	case store.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		switch text(v) {
		case "t", "true", "TRUE", "1":
			return true, nil
		case "f", "false", "FALSE", "0":
			return false, nil
		}
		return nil, fmt.Errorf("bool column: unexpected %q", text(v))
	default:
		return text(v), nil
	}
}
