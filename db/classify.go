package db

import (
	"regexp"
	"strings"

	rqlitesql "github.com/rqlite/sql"
)

// Classify determines the operation and target table of a statement.
// AST-based classification via the rqlite/sql parser, with a regex fallback
// for statements the parser rejects. Returns (OpOther, "") for anything that
// is not single-table DML; a DML operation with an empty table means the
// statement was recognized but the table could not be determined.
func Classify(query string) (Operation, string) {
	op := leadingOperation(query)
	if op == OpOther {
		return OpOther, ""
	}

	parser := rqlitesql.NewParser(strings.NewReader(query))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return op, tableByRegex(query, op)
	}

	switch s := stmt.(type) {
	case *rqlitesql.InsertStatement:
		// INSERT OR REPLACE / REPLACE INTO are captured as inserts; the
		// post-image reflects the surviving row either way.
		return OpInsert, rqlitesql.IdentName(s.Table)
	case *rqlitesql.UpdateStatement:
		if s.Table != nil {
			return OpUpdate, s.Table.TableName()
		}
		return OpUpdate, ""
	case *rqlitesql.DeleteStatement:
		if s.Table != nil {
			return OpDelete, s.Table.TableName()
		}
		return OpDelete, ""
	default:
		return OpOther, ""
	}
}

// leadingOperation classifies by the first keyword only
func leadingOperation(query string) Operation {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "INSERT"), strings.HasPrefix(upper, "REPLACE"):
		return OpInsert
	case strings.HasPrefix(upper, "UPDATE"):
		return OpUpdate
	case strings.HasPrefix(upper, "DELETE"):
		return OpDelete
	default:
		return OpOther
	}
}

var (
	commentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	insertPattern  = regexp.MustCompile("(?i)(?:INSERT|REPLACE)\\s+(?:OR\\s+\\w+\\s+)?INTO\\s+[`\"']?(\\w+)[`\"']?")
	updatePattern  = regexp.MustCompile("(?i)UPDATE\\s+(?:OR\\s+\\w+\\s+)?[`\"']?(\\w+)[`\"']?")
	deletePattern  = regexp.MustCompile("(?i)DELETE\\s+FROM\\s+[`\"']?(\\w+)[`\"']?")
)

func tableByRegex(query string, op Operation) string {
	clean := commentPattern.ReplaceAllString(query, "")

	var pattern *regexp.Regexp
	switch op {
	case OpInsert:
		pattern = insertPattern
	case OpUpdate:
		pattern = updatePattern
	case OpDelete:
		pattern = deletePattern
	default:
		return ""
	}

	match := pattern.FindStringSubmatch(clean)
	if match == nil {
		return ""
	}
	return match[1]
}

var whereTerminators = []string{" ORDER BY", " GROUP BY", " LIMIT", " OFFSET", " RETURNING"}

// extractWhereClause returns the predicate text of a statement's WHERE
// clause, without the WHERE keyword, or "" when the statement has none.
func extractWhereClause(query string) string {
	upper := strings.ToUpper(query)
	idx := strings.Index(upper, "WHERE")
	if idx == -1 {
		return ""
	}

	clause := query[idx+len("WHERE"):]
	clauseUpper := upper[idx+len("WHERE"):]
	for _, terminator := range whereTerminators {
		if cut := strings.Index(clauseUpper, terminator); cut != -1 {
			clause = clause[:cut]
			clauseUpper = clauseUpper[:cut]
		}
	}
	return strings.TrimSpace(clause)
}

// countPlaceholders counts '?' parameter markers outside string literals
func countPlaceholders(clause string) int {
	count := 0
	inString := false
	for i := 0; i < len(clause); i++ {
		switch clause[i] {
		case '\'':
			inString = !inString
		case '?':
			if !inString {
				count++
			}
		}
	}
	return count
}
