package optimizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

var (
	// trailing "WHERE|AND <col> = $k"
	filterRe = regexp.MustCompile(`(?is)^(.*\b(?:WHERE|AND)\s+)((?:[A-Za-z_][A-Za-z0-9_]*\.)?([A-Za-z_][A-Za-z0-9_]*))\s*=\s*\$(\d+)$`)

	// shapes where a membership rewrite changes which rows each plan would see
	unmergeableRe = regexp.MustCompile(`(?i)\b(GROUP\s+BY|ORDER\s+BY|LIMIT|OFFSET|HAVING|DISTINCT|UNION|INTERSECT|EXCEPT|OR|BETWEEN|FOR\s+UPDATE)\b`)

	placeholderRe = regexp.MustCompile(`\$(\d+)`)

	// select list up to the first FROM
	selectListRe = regexp.MustCompile(`(?is)^SELECT\s+(.*?)\s+FROM\b`)

	insertShapeRe = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+((?:[A-Za-z_][A-Za-z0-9_]*\.)?[A-Za-z_][A-Za-z0-9_]*)\s*\(([^()]*)\)\s*VALUES\s*\(([^()]*)\)$`)
)

// Postgres caps bind parameters per statement.
const maxBindParams = 65535

// mergeKey is the column a merged select projects its filter expression
// under. Rows are attributed by it alone and it is removed before rows are
// returned, so neither output aliases nor joined tables can misattribute them.
const mergeKey = "__dp_key"

type filterShape struct {
	prefix string // statement up to and including "WHERE " / "AND "
	column string // as written, possibly qualified
	listAt int    // offset in prefix where the select list ends
	param  int    // zero-based index of the filter parameter
}

// parseFilter recognises a select whose last predicate is a single equality
// against a bind parameter that is used nowhere else.
func parseFilter(query string, nparams int) (filterShape, bool) {
	s := trimStatement(query)
	if unmergeableRe.MatchString(s) {
		return filterShape{}, false
	}
	m := filterRe.FindStringSubmatch(s)
	if m == nil {
		return filterShape{}, false
	}
	k, err := strconv.Atoi(m[4])
	if err != nil || k < 1 || k > nparams {
		return filterShape{}, false
	}

	uses := 0
	for _, p := range placeholderRe.FindAllStringSubmatch(s, -1) {
		n, _ := strconv.Atoi(p[1])
		if n < 1 || n > nparams {
			return filterShape{}, false
		}
		if n == k {
			uses++
		}
	}
	if uses != 1 {
		return filterShape{}, false
	}

	// The filter expression is projected next to the select list, which
	// must therefore be plain: no subquery and no use of the reserved name.
	sel := selectListRe.FindStringSubmatchIndex(s)
	if sel == nil || sel[3] > len(m[1]) {
		return filterShape{}, false
	}
	list := s[sel[2]:sel[3]]
	if strings.Count(list, "(") != strings.Count(list, ")") || strings.Contains(strings.ToLower(s), mergeKey) {
		return filterShape{}, false
	}

	return filterShape{prefix: m[1], column: m[2], listAt: sel[3], param: k - 1}, true
}

func (f filterShape) mergedQuery() string {
	return fmt.Sprintf("%s, %s AS %s%s%s = ANY($%d)",
		f.prefix[:f.listAt], f.column, mergeKey, f.prefix[f.listAt:], f.column, f.param+1)
}

// filterKey groups plans that differ only in their filter value. Every other
// parameter is part of the key, so plans sharing a filter value but differing
// elsewhere are never merged.
func filterKey(query string, shape filterShape, params []any) (string, bool) {
	rest := make([]any, 0, len(params))
	for i, p := range params {
		if i != shape.param {
			rest = append(rest, p)
		}
	}
	b, err := json.Marshal(rest)
	if err != nil {
		return "", false
	}
	return trimStatement(query) + "\x00" + string(b), true
}

// membershipArray converts distinct filter values into a typed array for ANY($k).
// Mixed or unsupported types are not merged.
func membershipArray(values []any) (any, bool) {
	if len(values) == 0 {
		return nil, false
	}
	switch values[0].(type) {
	case string:
		out := make([]string, len(values))
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return pq.Array(out), true
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		out := make([]int64, len(values))
		for i, v := range values {
			n, ok := toInt64(v)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return pq.Array(out), true
	case float32, float64:
		out := make([]float64, len(values))
		for i, v := range values {
			switch f := v.(type) {
			case float64:
				out[i] = f
			case float32:
				out[i] = float64(f)
			default:
				return nil, false
			}
		}
		return pq.Array(out), true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

// joinKey is the comparable form of a filter value or a row cell.
func joinKey(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// fanOut splits merged rows back to the plans whose filter value they carry
// in mergeKey, and strips that column. It fails when a row lacks the key or
// matches no plan.
func fanOut(rows []map[string]any, values []any) ([][]map[string]any, bool) {
	owners := make(map[string][]int, len(values))
	for i, v := range values {
		k := joinKey(v)
		owners[k] = append(owners[k], i)
	}

	out := make([][]map[string]any, len(values))
	for i := range out {
		out[i] = []map[string]any{}
	}

	for _, row := range rows {
		col, ok := lookupColumn(row, mergeKey)
		if !ok {
			return nil, false
		}
		idx, ok := owners[joinKey(row[col])]
		if !ok {
			return nil, false
		}
		stripped := make(map[string]any, len(row)-1)
		for k, v := range row {
			if k != col {
				stripped[k] = v
			}
		}
		for _, i := range idx {
			out[i] = append(out[i], stripped)
		}
	}
	return out, true
}

// lookupColumn returns the row's spelling of column.
func lookupColumn(row map[string]any, column string) (string, bool) {
	if _, ok := row[column]; ok {
		return column, true
	}
	for k := range row {
		if strings.EqualFold(k, column) {
			return k, true
		}
	}
	return "", false
}

type insertShape struct {
	table   string
	columns string
	width   int
}

// parseInsert recognises "INSERT INTO t (a, b) VALUES ($1, $2)" where the
// values are exactly $1..$n in order, one per column and parameter.
func parseInsert(query string, nparams int) (insertShape, bool) {
	m := insertShapeRe.FindStringSubmatch(trimStatement(query))
	if m == nil {
		return insertShape{}, false
	}

	cols := splitList(m[2])
	vals := splitList(m[3])
	if len(cols) == 0 || len(cols) != len(vals) || len(vals) != nparams {
		return insertShape{}, false
	}
	for i, v := range vals {
		if v != "$"+strconv.Itoa(i+1) {
			return insertShape{}, false
		}
	}
	return insertShape{table: m[1], columns: strings.Join(cols, ", "), width: len(cols)}, true
}

func (s insertShape) key() string {
	return s.table + "(" + s.columns + ")"
}

// chunkSize is the number of rows per bulk statement.
func (s insertShape) chunkSize(maxBatch int) int {
	n := maxBindParams / s.width
	if maxBatch < n {
		n = maxBatch
	}
	return n
}

// bulkInsert builds one multi-row insert with renumbered placeholders.
func (s insertShape) bulkInsert(rows [][]any) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.table, s.columns)

	args := make([]any, 0, len(rows)*s.width)
	for r, row := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < s.width; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", r*s.width+c+1)
		}
		b.WriteByte(')')
		args = append(args, row...)
	}
	return b.String(), args
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil
		}
		out = append(out, p)
	}
	return out
}
