package optimizer

import (
	"regexp"
	"strings"
)

var (
	selectRe = regexp.MustCompile(`(?i)^SELECT\b`)
	insertRe = regexp.MustCompile(`(?i)^INSERT\s+INTO\b`)
	updateRe = regexp.MustCompile(`(?i)^UPDATE\b`)
	deleteRe = regexp.MustCompile(`(?i)^DELETE\s+FROM\b`)
	joinRe   = regexp.MustCompile(`(?i)\bJOIN\b`)
	whereRe  = regexp.MustCompile(`(?i)\bWHERE\b`)
)

// Classify inspects keywords only. Anything it is not sure about is Other,
// which is always executed on its own.
func Classify(query string) Kind {
	s := trimStatement(query)
	if s == "" || strings.Contains(s, ";") || strings.Contains(s, "--") || strings.Contains(s, "/*") {
		return Other
	}

	switch {
	case selectRe.MatchString(s):
		if joinRe.MatchString(s) {
			return SelectJoin
		}
		if whereRe.MatchString(s) {
			return SelectFilter
		}
		return SelectSimple
	case insertRe.MatchString(s):
		return Insert
	case updateRe.MatchString(s):
		return Update
	case deleteRe.MatchString(s):
		return Delete
	default:
		return Other
	}
}

// trimStatement strips surrounding whitespace and one trailing semicolon.
func trimStatement(query string) string {
	s := strings.TrimSpace(query)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}
