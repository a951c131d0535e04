// Package store is an in-memory multi-version object store.
//
// Every committed write transaction produces a new immutable state stamped with
// a monotonically increasing Version. Readers pin a state through a Handle and
// never block writers. Values computed against one Handle can be moved to
// another through a single-use Handover.
package store

import (
	"errors"
	"fmt"
)

// Version identifies a committed state of a DB. Versions of different DBs are
// not comparable.
type Version uint64

// RowKey is the stable identity of a row within its table. Keys are never
// reassigned by Insert; Put may re-use a key explicitly.
type RowKey int64

var (
	ErrTableNotFound      = errors.New("store: table not found")
	ErrTableExists        = errors.New("store: table already exists")
	ErrColumnNotFound     = errors.New("store: column not found")
	ErrRowNotFound        = errors.New("store: row not found")
	ErrTypeMismatch       = errors.New("store: value does not match column type")
	ErrVersionUnavailable = errors.New("store: version unavailable")
	ErrHandoverConsumed   = errors.New("store: handover already imported")
	ErrHandleClosed       = errors.New("store: handle closed")
	ErrTxDone             = errors.New("store: transaction already finished")
)

// ColumnType enumerates the value kinds a column can hold.
type ColumnType int

const (
	TypeInt ColumnType = iota
	TypeString
	TypeFloat
	TypeBool
	// TypeLink holds a single RowKey into the target table, or nil.
	TypeLink
	// TypeLinkList holds an ordered []RowKey into the target table.
	TypeLinkList
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeLink:
		return "link"
	case TypeLinkList:
		return "linklist"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// IsLink reports whether the column refers to rows of another table.
func (t ColumnType) IsLink() bool { return t == TypeLink || t == TypeLinkList }

// MarshalText lets column types round-trip through JSON catalogs.
func (t ColumnType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *ColumnType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "int":
		*t = TypeInt
	case "string":
		*t = TypeString
	case "float":
		*t = TypeFloat
	case "bool":
		*t = TypeBool
	case "link":
		*t = TypeLink
	case "linklist":
		*t = TypeLinkList
	default:
		return fmt.Errorf("unknown column type %q", string(b))
	}
	return nil
}

// ColumnSpec describes one column. Target names the linked table for link
// columns and is empty otherwise.
type ColumnSpec struct {
	Name   string     `json:"name"`
	Type   ColumnType `json:"type"`
	Target string     `json:"target,omitempty"`
}

// TableSpec describes a table to create.
type TableSpec struct {
	Name       string       `json:"name"`
	Columns    []ColumnSpec `json:"columns"`
	PrimaryKey []string     `json:"primaryKey,omitempty"`
}
