package datasource

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/model"
)

// Dialect selects the placeholder style of generated SQL.
type Dialect int

// SQL dialects.
const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLBuilder renders Queries as parameterised SELECT statements against
// a table or a wrapped query. Only declared column fields are referenced.
type SQLBuilder struct {
	dialect Dialect
	from    string
	columns []model.ColumnDefinition
	byID    map[string]model.ColumnDefinition
}

// NewSQLBuilder validates the source and column fields and returns a
// builder. Column fields must be plain identifiers.
func NewSQLBuilder(dialect Dialect, src model.SourceDefinition, columns []model.ColumnDefinition) (*SQLBuilder, error) {
	b := &SQLBuilder{
		dialect: dialect,
		columns: columns,
		byID:    make(map[string]model.ColumnDefinition, len(columns)),
	}

	switch {
	case src.Table != "":
		parts := strings.Split(src.Table, ".")
		for i, p := range parts {
			if !identPattern.MatchString(p) {
				return nil, fmt.Errorf("invalid table name %q", src.Table)
			}
			parts[i] = quoteIdent(p)
		}
		b.from = strings.Join(parts, ".")
	case src.Query != "":
		b.from = "(" + strings.TrimRight(strings.TrimSpace(src.Query), ";") + ") AS src"
	default:
		return nil, fmt.Errorf("sql source needs a table or a query")
	}

	for _, c := range columns {
		if !identPattern.MatchString(c.FieldPath()) {
			return nil, fmt.Errorf("column %q: field %q is not a plain column name", c.ID, c.FieldPath())
		}
		b.byID[c.ID] = c
	}
	return b, nil
}

// Select returns the statement reading the rows of q.
func (b *SQLBuilder) Select(q model.Query) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")

	fields := make([]string, 0, len(b.columns))
	for _, c := range b.columns {
		f := quoteIdent(c.FieldPath())
		if !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	sb.WriteString(strings.Join(fields, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.from)

	where, args, err := b.where(q)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(where)

	if q.Sort != nil {
		if c, ok := b.byID[q.Sort.ColumnID]; ok {
			dir := "ASC"
			if q.Sort.Direction == model.SortDesc {
				dir = "DESC"
			}
			fmt.Fprintf(&sb, " ORDER BY %s %s", quoteIdent(c.FieldPath()), dir)
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", q.Limit, max(q.Offset, 0))
	}
	return sb.String(), args, nil
}

// Count returns the statement counting the rows matching q's filters.
func (b *SQLBuilder) Count(q model.Query) (string, []any, error) {
	where, args, err := b.where(q)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM " + b.from + where, args, nil
}

type argList struct {
	dialect Dialect
	values  []any
}

func (a *argList) add(v any) string {
	a.values = append(a.values, v)
	if a.dialect == DialectPostgres {
		return "$" + strconv.Itoa(len(a.values))
	}
	return "?"
}

func (b *SQLBuilder) where(q model.Query) (string, []any, error) {
	args := &argList{dialect: b.dialect}
	var clauses []string

	for _, f := range q.Filters {
		c, ok := b.byID[f.ColumnID]
		if !ok {
			continue
		}
		clause, err := b.filterClause(c, f, args)
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	if q.GlobalFilter != "" && len(b.columns) > 0 {
		pattern := "%" + escapeLike(strings.ToLower(q.GlobalFilter)) + "%"
		ors := make([]string, 0, len(b.columns))
		for _, c := range b.columns {
			if !c.IsSearchable() {
				continue
			}
			ors = append(ors, fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, textExpr(c), args.add(pattern)))
		}
		if len(ors) == 0 {
			// Nothing is searchable, so no row can match.
			ors = append(ors, "1 = 0")
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args.values, nil
}

func (b *SQLBuilder) filterClause(c model.ColumnDefinition, f model.QueryFilter, args *argList) (string, error) {
	col := quoteIdent(c.FieldPath())
	isText := c.Type == "" || c.Type == model.ColumnString || c.Type == model.ColumnEnum

	switch f.Operator {
	case "contains", "starts_with":
		needle := escapeLike(strings.ToLower(table.FormatValue(f.Value)))
		pattern := needle + "%"
		if f.Operator == "contains" {
			pattern = "%" + pattern
		}
		return fmt.Sprintf(`%s LIKE %s ESCAPE '\'`, textExpr(c), args.add(pattern)), nil

	case "eq", "neq":
		op := "="
		if f.Operator == "neq" {
			op = "<>"
		}
		if isText {
			return fmt.Sprintf("LOWER(%s) %s %s", col, op, args.add(strings.ToLower(table.FormatValue(f.Value)))), nil
		}
		v, err := b.coerceValue(c, f.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", col, op, args.add(v)), nil

	case "gt", "gte", "lt", "lte":
		v, err := b.coerceValue(c, f.Value)
		if err != nil {
			return "", err
		}
		op := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[f.Operator]
		return fmt.Sprintf("%s %s %s", col, op, args.add(v)), nil

	case "between":
		r, ok := table.ParseRange(f.Value)
		if !ok {
			return "", fmt.Errorf("column %q: between needs a range value", c.ID)
		}
		var parts []string
		if r.Min != nil {
			v, err := b.coerceValue(c, r.Min)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s >= %s", col, args.add(v)))
		}
		if r.Max != nil {
			v, err := b.coerceValue(c, r.Max)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s <= %s", col, args.add(v)))
		}
		return strings.Join(parts, " AND "), nil

	case "in":
		values, ok := table.ParseList(f.Value)
		if !ok {
			values = []any{f.Value}
		}
		if len(values) == 0 {
			return "", nil
		}
		placeholders := make([]string, 0, len(values))
		for _, raw := range values {
			v, err := b.coerceValue(c, raw)
			if err != nil {
				return "", err
			}
			placeholders = append(placeholders, args.add(v))
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), nil
	}

	return "", fmt.Errorf("column %q: unsupported operator %q", c.ID, f.Operator)
}

func textExpr(c model.ColumnDefinition) string {
	return "LOWER(CAST(" + quoteIdent(c.FieldPath()) + " AS TEXT))"
}

// coerceValue converts a filter value to the Go type matching the column,
// so drivers bind it with the column's SQL type. SQLite stores dates as
// text, so date strings are passed through for it.
func (b *SQLBuilder) coerceValue(c model.ColumnDefinition, v any) (any, error) {
	s, isString := v.(string)
	switch c.Type {
	case model.ColumnNumber:
		if isString {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %q is not a number", c.ID, s)
			}
			return f, nil
		}
	case model.ColumnInteger:
		if isString {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q: %q is not an integer", c.ID, s)
			}
			return n, nil
		}
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	case model.ColumnBoolean:
		if isString {
			truth, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("column %q: %q is not a boolean", c.ID, s)
			}
			return truth, nil
		}
	case model.ColumnDate, model.ColumnDateTime:
		if isString && b.dialect == DialectPostgres {
			for _, layout := range []string{time.RFC3339, time.DateTime, time.DateOnly} {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
			return nil, fmt.Errorf("column %q: %q is not a date", c.ID, s)
		}
	}
	return v, nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
