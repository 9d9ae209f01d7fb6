// Package database builds sanitized list queries shared by the SQL backends.
package database

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	GreaterThanOrEqual ConditionType = ">="
	In                 ConditionType = "IN"
	Custom             ConditionType = "CUSTOM"
	defaultLimit                     = -1
	defaultOffset                    = -1
)

// PlaceholderStyle selects how bind parameters are rendered.
type PlaceholderStyle int

const (
	// Dollar renders $1, $2, ... (Postgres).
	Dollar PlaceholderStyle = iota
	// Question renders ?1, ?2, ... (SQLite).
	Question
)

func (p PlaceholderStyle) render(n int) string {
	if p == Question {
		return "?" + strconv.Itoa(n)
	}
	return "$" + strconv.Itoa(n)
}

type Condition struct {
	Field    string
	Type     ConditionType
	Value    any
	rawQuery *string
}

func WhereCond(field string, condType ConditionType, value any) Condition {
	if condType == Custom {
		//nolint:forbidigo // custom conditions must provide raw SQL via WhereRawCond.
		panic("Use WhereRawCond for Custom type")
	}
	return Condition{Field: field, Type: condType, Value: value}
}

// WhereRawCond adds a raw predicate whose $n placeholders refer to params.
func WhereRawCond(rawQuery string, params ...any) Condition {
	queryStr := rawQuery
	return Condition{Type: Custom, rawQuery: &queryStr, Value: params}
}

type ListQueryOptions struct {
	Table        string
	Columns      []string
	CountOnly    bool
	Conditions   []Condition
	OrderBy      []string
	OrderDir     string
	Limit        int
	Offset       int
	Placeholders PlaceholderStyle
}

type ListQueryOption func(*ListQueryOptions)

func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	options := &ListQueryOptions{
		Table:  table,
		Limit:  defaultLimit,
		Offset: defaultOffset,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithColumns sets the columns to select.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Columns = cols
	}
}

// WithCondition adds a single condition.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Conditions = append(o.Conditions, cond)
	}
}

// WithOrderBy sets the ordering columns and a shared direction.
func WithOrderBy(direction string, columns ...string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.OrderBy = columns
		o.OrderDir = direction
	}
}

// WithLimit sets the limit. Accepts 0.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the offset. Accepts 0.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

// WithCountOnly sets the query to count only.
func WithCountOnly() ListQueryOption {
	return func(o *ListQueryOptions) {
		o.CountOnly = true
	}
}

// WithPlaceholders selects the bind parameter style.
func WithPlaceholders(style PlaceholderStyle) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Placeholders = style
	}
}

func sanitizeIdentifier(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// sanitizeQualifiedIdentifier sanitizes identifiers like "table.column".
func sanitizeQualifiedIdentifier(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

func buildSelectClause(options *ListQueryOptions) string {
	if options.CountOnly {
		return "SELECT COUNT(*) "
	}
	if len(options.Columns) == 0 {
		return "SELECT * "
	}
	cols := make([]string, len(options.Columns))
	for i, col := range options.Columns {
		cols[i] = sanitizeQualifiedIdentifier(col)
	}
	return fmt.Sprintf("SELECT %s ", strings.Join(cols, ", "))
}

func buildPaginationAndOrderClause(options *ListQueryOptions, paramCount int, args []any) (string, []any) {
	var clause strings.Builder

	if len(options.OrderBy) > 0 {
		dir := strings.ToUpper(options.OrderDir)
		if dir != "ASC" && dir != "DESC" {
			dir = ""
		}
		parts := make([]string, len(options.OrderBy))
		for i, col := range options.OrderBy {
			parts[i] = strings.TrimSpace(sanitizeQualifiedIdentifier(col) + " " + dir)
		}
		clause.WriteString(" ORDER BY ")
		clause.WriteString(strings.Join(parts, ", "))
	}

	if options.Limit != defaultLimit {
		clause.WriteString(" LIMIT " + options.Placeholders.render(paramCount))
		args = append(args, options.Limit)
		paramCount++
	}
	if options.Offset != defaultOffset {
		clause.WriteString(" OFFSET " + options.Placeholders.render(paramCount))
		args = append(args, options.Offset)
	}
	return clause.String(), args
}

// BuildListQuery constructs a SQL query string and arguments from options,
// sanitizing identifiers.
//
//	query, args := BuildListQuery(NewListQueryOptions("export_jobs",
//		WithColumns("id", "status"),
//		WithCondition(WhereCond("owner_id", Equal, "u1")),
//		WithOrderBy("DESC", "created_at"),
//		WithLimit(10),
//	))
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}

	var query strings.Builder
	query.WriteString(buildSelectClause(options))
	query.WriteString("FROM ")
	query.WriteString(sanitizeIdentifier(options.Table))

	whereClause, whereArgs, next := buildWhereClause(options.Conditions, 1, options.Placeholders)
	if whereClause != "" {
		query.WriteString(" ")
		query.WriteString(whereClause)
	}
	if options.CountOnly {
		return query.String(), whereArgs
	}

	tail, finalArgs := buildPaginationAndOrderClause(options, next, whereArgs)
	query.WriteString(tail)
	return query.String(), finalArgs
}

func handleInCondition(cond Condition, field string, paramCount int, style PlaceholderStyle) (string, []any, int) {
	rv := reflect.ValueOf(cond.Value)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return "", nil, paramCount
	}
	placeholders := make([]string, rv.Len())
	args := make([]any, rv.Len())
	for i := range rv.Len() {
		placeholders[i] = style.render(paramCount)
		args[i] = rv.Index(i).Interface()
		paramCount++
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", ")), args, paramCount
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

func handleCustomCondition(cond Condition, paramCount int, style PlaceholderStyle) (string, []any, int) {
	if cond.rawQuery == nil || *cond.rawQuery == "" {
		return "", nil, paramCount
	}
	params, _ := cond.Value.([]any)

	var args []any
	idxMap := make(map[int]int)
	conditionStr := placeholderRe.ReplaceAllStringFunc(*cond.rawQuery, func(m string) string {
		n, err := strconv.Atoi(m[1:])
		if err != nil || n < 1 || n > len(params) {
			return m
		}
		if _, ok := idxMap[n]; !ok {
			idxMap[n] = paramCount
			args = append(args, params[n-1])
			paramCount++
		}
		return style.render(idxMap[n])
	})
	return "(" + conditionStr + ")", args, paramCount
}

func processCondition(cond Condition, paramCount int, style PlaceholderStyle) (string, []any, int) {
	if cond.Type == Custom {
		return handleCustomCondition(cond, paramCount, style)
	}
	if cond.Field == "" {
		return "", nil, paramCount
	}
	field := sanitizeIdentifier(cond.Field)

	switch cond.Type {
	case In:
		return handleInCondition(cond, field, paramCount, style)
	case Equal, NotEqual, GreaterThan, LessThan, LessThanOrEqual, GreaterThanOrEqual:
		return fmt.Sprintf("%s %s %s", field, cond.Type, style.render(paramCount)), []any{cond.Value}, paramCount + 1
	case Custom:
	}
	return "", nil, paramCount
}

func buildWhereClause(input []Condition, paramCount int, style PlaceholderStyle) (string, []any, int) {
	conditions := make([]string, 0, len(input))
	var args []any
	for _, cond := range input {
		str, newArgs, next := processCondition(cond, paramCount, style)
		if str != "" {
			conditions = append(conditions, str)
			args = append(args, newArgs...)
			paramCount = next
		}
	}
	if len(conditions) == 0 {
		return "", args, paramCount
	}
	return "WHERE " + strings.Join(conditions, " AND "), args, paramCount
}
