package postgres

import (
	"context"
	"fmt"
	"strings"

	"dataplane/internal/datasource"
)

// Fetch executes a warehouse query with named ":param" placeholders.
// A query that returns no rows yields datasource.ErrEmptyResult.
func (s *Store) Fetch(ctx context.Context, query string, params map[string]any) (any, error) {
	bound, args, err := bindNamed(query, params)
	if err != nil {
		return nil, err
	}

	rows, err := queryMaps(ctx, s.db, bound, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, datasource.ErrEmptyResult
	}
	return rows, nil
}

// bindNamed rewrites ":name" placeholders to "$n". A name used twice binds
// the same position. "::type" casts and quoted text are left alone.
func bindNamed(query string, params map[string]any) (string, []any, error) {
	var b strings.Builder
	var args []any
	positions := make(map[string]int)

	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
			b.WriteByte(c)
			continue
		}
		if inQuote || c != ':' {
			b.WriteByte(c)
			continue
		}

		if i+1 < len(query) && query[i+1] == ':' {
			b.WriteString("::")
			i++
			continue
		}

		j := i + 1
		for j < len(query) && isIdentChar(query[j], j == i+1) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}

		name := query[i+1 : j]
		pos, ok := positions[name]
		if !ok {
			v, found := params[name]
			if !found {
				return "", nil, fmt.Errorf("missing parameter %q", name)
			}
			args = append(args, v)
			pos = len(args)
			positions[name] = pos
		}
		fmt.Fprintf(&b, "$%d", pos)
		i = j - 1
	}
	return b.String(), args, nil
}

func isIdentChar(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	default:
		return false
	}
}
