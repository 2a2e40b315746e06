package postgres

import (
	"context"
	"fmt"
	"regexp"

	"dataplane/internal/optimizer"
)

var returningRe = regexp.MustCompile(`(?i)\bRETURNING\b`)

// Execute runs one statement for the optimizer. Row-returning statements are
// scanned into maps keyed by column name; others report rows affected.
func (s *Store) Execute(ctx context.Context, query string, args []any) (optimizer.Result, error) {
	return execute(ctx, s.db, query, args)
}

func execute(ctx context.Context, q querier, query string, args []any) (optimizer.Result, error) {
	if returnsRows(query) {
		rows, err := queryMaps(ctx, q, query, args)
		if err != nil {
			return optimizer.Result{}, err
		}
		return optimizer.Result{Rows: rows, RowsAffected: int64(len(rows))}, nil
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return optimizer.Result{}, fmt.Errorf("exec failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return optimizer.Result{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return optimizer.Result{RowsAffected: n}, nil
}

func returnsRows(query string) bool {
	switch optimizer.Classify(query) {
	case optimizer.SelectJoin, optimizer.SelectFilter, optimizer.SelectSimple:
		return true
	case optimizer.Other:
		// WITH ... SELECT and friends
		return !returningRe.MatchString(query) && !isWrite(query)
	default:
		return returningRe.MatchString(query)
	}
}

var writeRe = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|TRUNCATE|GRANT|REVOKE|VACUUM|SET)\b`)

func isWrite(query string) bool {
	return writeRe.MatchString(query)
}

// queryMaps scans every row into a column-name keyed map. Byte slices are
// returned as strings so results serialize as text.
func queryMaps(ctx context.Context, q querier, query string, args []any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}
