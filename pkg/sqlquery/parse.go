// Package sqlquery compiles a single-table PostgreSQL SELECT into a
// store.Query. It supports WHERE with comparisons, IN, BETWEEN, IS [NOT] NULL
// and boolean connectives, ORDER BY and LIMIT. Parameters ($1, $2, ...) are
// bound from args.
package sqlquery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/zoravur/livequery/internal/store"
	"github.com/zoravur/livequery/pkg/pgcatalog"
)

var (
	ErrSyntax      = errors.New("sqlquery: syntax error")
	ErrUnsupported = errors.New("sqlquery: unsupported")
)

type node = map[string]any

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

type compiler struct {
	alias string
	args  []any
}

// Parse compiles sql into a query.
func Parse(sql string, args ...any) (store.Query, error) {
	raw, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return store.Query{}, fmt.Errorf("%w: %w", ErrSyntax, err)
	}

	var tree node
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return store.Query{}, fmt.Errorf("invalid json ast: %w", err)
	}

	stmts, _ := tree["stmts"].([]any)
	if len(stmts) == 0 {
		return store.Query{}, fmt.Errorf("%w: no statements", ErrSyntax)
	}
	if len(stmts) > 1 {
		return store.Query{}, unsupported("multiple statements")
	}
	stmt, _ := stmts[0].(node)["stmt"].(node)
	sel, ok := stmt["SelectStmt"].(node)
	if !ok {
		return store.Query{}, unsupported("only SELECT is supported")
	}
	return (&compiler{args: args}).selectStmt(sel)
}

func (c *compiler) selectStmt(sel node) (store.Query, error) {
	if op, _ := sel["op"].(string); op != "" && op != "SETOP_NONE" {
		return store.Query{}, unsupported("set operations")
	}
	for _, k := range []string{"withClause", "groupClause", "havingClause", "distinctClause", "limitOffset", "windowClause", "valuesLists"} {
		if _, ok := sel[k]; ok {
			return store.Query{}, unsupported("%s", k)
		}
	}

	from, _ := sel["fromClause"].([]any)
	if len(from) != 1 {
		return store.Query{}, unsupported("exactly one table is required in FROM")
	}
	rv, ok := from[0].(node)["RangeVar"].(node)
	if !ok {
		return store.Query{}, unsupported("FROM must name a table")
	}
	schema, _ := rv["schemaname"].(string)
	rel, _ := rv["relname"].(string)
	if a, ok := rv["alias"].(node); ok {
		c.alias, _ = a["aliasname"].(string)
	}

	q := store.Query{Table: pgcatalog.StoreName(schema, rel)}

	cols, err := c.targetList(sel)
	if err != nil {
		return store.Query{}, err
	}
	q.Columns = cols

	if w, ok := sel["whereClause"].(node); ok {
		p, err := c.predicate(w)
		if err != nil {
			return store.Query{}, err
		}
		q.Where = p
	}

	sorts, _ := sel["sortClause"].([]any)
	for _, s := range sorts {
		sb, ok := s.(node)["SortBy"].(node)
		if !ok {
			return store.Query{}, unsupported("ORDER BY item")
		}
		inner, _ := sb["node"].(node)
		col, err := c.column(inner)
		if err != nil {
			return store.Query{}, fmt.Errorf("ORDER BY: %w", err)
		}
		dir, _ := sb["sortby_dir"].(string)
		q.Sort = append(q.Sort, store.SortDescriptor{Column: col, Ascending: dir != "SORTBY_DESC"})
	}

	if lc, ok := sel["limitCount"].(node); ok {
		v, err := c.value(lc)
		if err != nil {
			return store.Query{}, fmt.Errorf("LIMIT: %w", err)
		}
		if v != nil {
			n, ok := v.(int64)
			if !ok || n < 0 {
				return store.Query{}, unsupported("LIMIT must be a non-negative integer")
			}
			if n == 0 {
				// store treats Limit <= 0 as unlimited; an empty Or matches nothing.
				q.Where = store.Or{}
			}
			q.Limit = int(n)
		}
	}
	return q, nil
}

// targetList returns the selected column names, or nil for "*".
func (c *compiler) targetList(sel node) ([]string, error) {
	tlist, _ := sel["targetList"].([]any)
	var cols []string
	for _, t := range tlist {
		rt, _ := t.(node)["ResTarget"].(node)
		val, _ := rt["val"].(node)
		colref, ok := val["ColumnRef"].(node)
		if !ok {
			return nil, unsupported("only column references may be selected")
		}
		if isStar(colref) {
			if len(tlist) != 1 {
				return nil, unsupported("* mixed with other columns")
			}
			return nil, nil
		}
		col, err := c.column(val)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// column resolves a ColumnRef node to a bare column name.
func (c *compiler) column(n node) (string, error) {
	colref, ok := n["ColumnRef"].(node)
	if !ok {
		return "", unsupported("expected a column reference")
	}
	parts := extractFields(colref)
	switch len(parts) {
	case 1:
		return parts[0], nil
	case 2:
		if c.alias != "" && parts[0] != c.alias {
			return "", unsupported("unknown table alias %q", parts[0])
		}
		return parts[1], nil
	case 3:
		return parts[2], nil
	}
	return "", unsupported("column reference %s", strings.Join(parts, "."))
}

func (c *compiler) predicate(n node) (store.Predicate, error) {
	switch {
	case n["BoolExpr"] != nil:
		b := n["BoolExpr"].(node)
		args, _ := b["args"].([]any)
		ps := make([]store.Predicate, 0, len(args))
		for _, a := range args {
			p, err := c.predicate(a.(node))
			if err != nil {
				return nil, err
			}
			ps = append(ps, p)
		}
		switch b["boolop"] {
		case "AND_EXPR":
			return store.And(ps), nil
		case "OR_EXPR":
			return store.Or(ps), nil
		case "NOT_EXPR":
			return store.Not{P: ps[0]}, nil
		}
		return nil, unsupported("boolean operator %v", b["boolop"])

	case n["NullTest"] != nil:
		nt := n["NullTest"].(node)
		arg, _ := nt["arg"].(node)
		col, err := c.column(arg)
		if err != nil {
			return nil, err
		}
		return store.IsNull{Column: col, Negate: nt["nulltesttype"] == "IS_NOT_NULL"}, nil

	case n["A_Expr"] != nil:
		return c.aExpr(n["A_Expr"].(node))

	case n["ColumnRef"] != nil:
		// WHERE flag  ->  flag = true
		col, err := c.column(n)
		if err != nil {
			return nil, err
		}
		return store.Compare{Column: col, Op: store.OpEq, Value: true}, nil
	}
	return nil, unsupported("WHERE expression")
}

var ops = map[string]store.Op{
	"=": store.OpEq, "<>": store.OpNe, "!=": store.OpNe,
	"<": store.OpLt, "<=": store.OpLe, ">": store.OpGt, ">=": store.OpGe,
}

func (c *compiler) aExpr(e node) (store.Predicate, error) {
	kind, _ := e["kind"].(string)
	name := opName(e)
	lexpr, _ := e["lexpr"].(node)
	rexpr, _ := e["rexpr"].(node)

	switch kind {
	case "AEXPR_OP":
		op, ok := ops[name]
		if !ok {
			return nil, unsupported("operator %s", name)
		}
		if _, isCol := lexpr["ColumnRef"]; !isCol {
			lexpr, rexpr = rexpr, lexpr
			op = op.Flip()
		}
		col, err := c.column(lexpr)
		if err != nil {
			return nil, err
		}
		v, err := c.value(rexpr)
		if err != nil {
			return nil, err
		}
		return store.Compare{Column: col, Op: op, Value: v}, nil

	case "AEXPR_IN":
		col, err := c.column(lexpr)
		if err != nil {
			return nil, err
		}
		vals, err := c.list(rexpr)
		if err != nil {
			return nil, err
		}
		negate := name == "<>"
		ps := make([]store.Predicate, len(vals))
		for i, v := range vals {
			if negate {
				ps[i] = store.Compare{Column: col, Op: store.OpNe, Value: v}
			} else {
				ps[i] = store.Compare{Column: col, Op: store.OpEq, Value: v}
			}
		}
		if negate {
			return store.And(ps), nil
		}
		return store.Or(ps), nil

	case "AEXPR_BETWEEN", "AEXPR_NOT_BETWEEN":
		col, err := c.column(lexpr)
		if err != nil {
			return nil, err
		}
		vals, err := c.list(rexpr)
		if err != nil {
			return nil, err
		}
		if len(vals) != 2 {
			return nil, fmt.Errorf("%w: BETWEEN needs two bounds", ErrSyntax)
		}
		p := store.And{
			store.Compare{Column: col, Op: store.OpGe, Value: vals[0]},
			store.Compare{Column: col, Op: store.OpLe, Value: vals[1]},
		}
		if kind == "AEXPR_NOT_BETWEEN" {
			return store.Not{P: p}, nil
		}
		return p, nil
	}
	return nil, unsupported("expression kind %s", kind)
}

func (c *compiler) list(n node) ([]any, error) {
	l, ok := n["List"].(node)
	if !ok {
		return nil, unsupported("expected a value list")
	}
	items, _ := l["items"].([]any)
	out := make([]any, 0, len(items))
	for _, it := range items {
		v, err := c.value(it.(node))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// value evaluates a constant, a cast of a constant, or a parameter.
func (c *compiler) value(n node) (any, error) {
	if tc, ok := n["TypeCast"].(node); ok {
		arg, _ := tc["arg"].(node)
		return c.value(arg)
	}
	if p, ok := n["ParamRef"].(node); ok {
		num, _ := p["number"].(float64)
		i := int(num) - 1
		if i < 0 || i >= len(c.args) {
			return nil, fmt.Errorf("%w: parameter $%d has no argument", ErrSyntax, i+1)
		}
		return c.args[i], nil
	}
	k, ok := n["A_Const"].(node)
	if !ok {
		return nil, unsupported("expected a constant")
	}
	if isNull, _ := k["isnull"].(bool); isNull {
		return nil, nil
	}
	// Zero values are omitted from the protobuf JSON, hence the empty objects.
	if iv, ok := k["ival"].(node); ok {
		n, _ := iv["ival"].(float64)
		return int64(n), nil
	}
	if fv, ok := k["fval"].(node); ok {
		s, _ := fv["fval"].(string)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrSyntax, s)
		}
		return f, nil
	}
	if sv, ok := k["sval"].(node); ok {
		s, _ := sv["sval"].(string)
		return s, nil
	}
	if bv, ok := k["boolval"].(node); ok {
		b, _ := bv["boolval"].(bool)
		return b, nil
	}
	return nil, unsupported("constant")
}

func opName(e node) string {
	names, _ := e["name"].([]any)
	if len(names) == 0 {
		return ""
	}
	s, _ := names[len(names)-1].(node)["String"].(node)
	v, _ := s["sval"].(string)
	return v
}

func extractFields(colref node) []string {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return nil
	}
	var fields []string
	for _, f := range raw {
		if s, ok := f.(node)["String"].(node); ok {
			if v, ok := s["sval"].(string); ok {
				fields = append(fields, v)
			}
		}
	}
	return fields
}

func isStar(colref node) bool {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return false
	}
	for _, f := range raw {
		if _, ok := f.(node)["A_Star"]; ok {
			return true
		}
	}
	return false
}
