package store

import (
	"fmt"
	"strings"
)

type truth int8

const (
	truthFalse truth = iota
	truthTrue
	truthUnknown // comparison against NULL
)

func truthOf(b bool) truth {
	if b {
		return truthTrue
	}
	return truthFalse
}

// Predicate is a row filter. NULL comparisons follow SQL's three-valued
// logic: only rows for which the predicate is definitely true match.
type Predicate interface {
	fmt.Stringer
	bind(t *table) error
	eval(r Row) truth
}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Flip returns the operator with its operands swapped: a < b is b > a.
func (o Op) Flip() Op {
	switch o {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	default:
		return o
	}
}

// Compare matches rows whose Column compares to Value by Op.
type Compare struct {
	Column string
	Op     Op
	Value  any
}

func (c Compare) String() string { return fmt.Sprintf("%s %s %#v", c.Column, c.Op, c.Value) }

func (c Compare) bind(t *table) error {
	_, err := t.column(c.Column)
	return err
}

func (c Compare) eval(r Row) truth {
	v, err := r.Get(c.Column)
	if err != nil || v == nil || c.Value == nil {
		return truthUnknown
	}
	n, ok := compareValues(v, c.Value)
	if !ok {
		if c.Op == OpNe {
			return truthTrue
		}
		return truthFalse
	}
	switch c.Op {
	case OpEq:
		return truthOf(n == 0)
	case OpNe:
		return truthOf(n != 0)
	case OpLt:
		return truthOf(n < 0)
	case OpLe:
		return truthOf(n <= 0)
	case OpGt:
		return truthOf(n > 0)
	case OpGe:
		return truthOf(n >= 0)
	}
	return truthFalse
}

// IsNull matches rows whose Column is nil, or not nil when Negate is set.
type IsNull struct {
	Column string
	Negate bool
}

func (p IsNull) String() string {
	if p.Negate {
		return p.Column + " IS NOT NULL"
	}
	return p.Column + " IS NULL"
}

func (p IsNull) bind(t *table) error {
	_, err := t.column(p.Column)
	return err
}

func (p IsNull) eval(r Row) truth {
	v, err := r.Get(p.Column)
	if err != nil {
		return truthUnknown
	}
	return truthOf((v == nil) != p.Negate)
}

// And matches when every operand matches.
type And []Predicate

func (a And) String() string { return joinPredicates(a, " AND ") }

func (a And) bind(t *table) error { return bindAll(a, t) }

func (a And) eval(r Row) truth {
	out := truthTrue
	for _, p := range a {
		switch p.eval(r) {
		case truthFalse:
			return truthFalse
		case truthUnknown:
			out = truthUnknown
		}
	}
	return out
}

// Or matches when any operand matches.
type Or []Predicate

func (o Or) String() string { return joinPredicates(o, " OR ") }

func (o Or) bind(t *table) error { return bindAll(o, t) }

func (o Or) eval(r Row) truth {
	out := truthFalse
	for _, p := range o {
		switch p.eval(r) {
		case truthTrue:
			return truthTrue
		case truthUnknown:
			out = truthUnknown
		}
	}
	return out
}

// Not negates its operand; NOT of unknown stays unknown.
type Not struct {
	P Predicate
}

func (n Not) String() string { return "NOT (" + n.P.String() + ")" }

func (n Not) bind(t *table) error { return n.P.bind(t) }

func (n Not) eval(r Row) truth {
	switch n.P.eval(r) {
	case truthTrue:
		return truthFalse
	case truthFalse:
		return truthTrue
	}
	return truthUnknown
}

func bindAll(ps []Predicate, t *table) error {
	for _, p := range ps {
		if err := p.bind(t); err != nil {
			return err
		}
	}
	return nil
}

func joinPredicates(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = "(" + p.String() + ")"
	}
	return strings.Join(parts, sep)
}

// compareValues orders two non-nil scalars of compatible kinds. Ints, floats
// and row keys compare numerically.
func compareValues(a, b any) (int, bool) {
	if fa, ok := numeric(a); ok {
		fb, ok := numeric(b)
		if !ok {
			return 0, false
		}
		return cmp3(fa, fb), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(boolRank(x), boolRank(y)), true
	}
	return 0, false
}

// compareForSort orders any two stored values: nil first, then by kind,
// then by value.
func compareForSort(a, b any) int {
	ka, kb := kindRank(a), kindRank(b)
	if ka != kb {
		return cmp3(ka, kb)
	}
	if a == nil {
		return 0
	}
	if n, ok := compareValues(a, b); ok {
		return n
	}
	if la, ok := a.([]RowKey); ok {
		return cmp3(len(la), len(b.([]RowKey)))
	}
	return 0
}

func kindRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64, RowKey, int:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case RowKey:
		return float64(x), true
	}
	return 0, false
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cmp3[T int | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
