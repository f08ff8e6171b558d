package insuree

import (
	"fmt"
	"strings"
)

// searchQuery accumulates WHERE clauses with positional arguments for a
// count query and a paged data query over the same table expression.
type searchQuery struct {
	from    string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

func newSearchQuery(from, cols string) *searchQuery {
	return &searchQuery{from: from, cols: cols, idx: 1}
}

// Idx returns the next placeholder index.
func (q *searchQuery) Idx() int { return q.idx }

// Add appends clause, which must use placeholders starting at Idx().
func (q *searchQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *searchQuery) Eq(column string, value interface{}) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// Contains adds a case-insensitive substring match.
func (q *searchQuery) Contains(column, value string) {
	q.Add(fmt.Sprintf("%s ILIKE $%d", column, q.idx), "%"+escapeLike(value)+"%")
}

// StartsWith adds a case-insensitive prefix match.
func (q *searchQuery) StartsWith(column, value string) {
	q.Add(fmt.Sprintf("%s ILIKE $%d", column, q.idx), escapeLike(value)+"%")
}

func (q *searchQuery) IsNull(column string, null bool) {
	if null {
		q.Add(column + " IS NULL")
		return
	}
	q.Add(column + " IS NOT NULL")
}

func (q *searchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *searchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.from, q.where)
}

func (q *searchQuery) CountArgs() []interface{} {
	return q.args
}

func (q *searchQuery) DataSQL(limit, offset int) string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.from, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

func (q *searchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ancestorExpr returns a scalar subquery selecting column of the location
// hops levels above the location referenced by locationExpr. With zero hops
// the location itself is used.
func ancestorExpr(locationExpr string, hops int, column string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(SELECT l%d.%s FROM location l0", hops, column)
	for i := 1; i <= hops; i++ {
		fmt.Fprintf(&b, " JOIN location l%d ON l%d.id = l%d.parent_id", i, i, i-1)
	}
	fmt.Fprintf(&b, " WHERE l0.id = %s)", locationExpr)
	return b.String()
}

// parentHops converts a location level (0 = top) to the number of parent
// links between a village and that level.
func parentHops(levels, level int) (int, error) {
	hops := levels - level - 1
	if level < 0 || hops < 0 {
		return 0, fmt.Errorf("location level %d out of range for %d levels", level, levels)
	}
	return hops, nil
}

// districtLevel is the location level holding districts (regions are 0).
const districtLevel = 1
