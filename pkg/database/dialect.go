package database

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect interface {
	name() string
	placeholder(n int) string
	stringAgg(column string, distinct bool, delim string) string
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

// SQLite rejects a custom separator together with DISTINCT; its default
// separator is a comma.
func (sqliteDialect) stringAgg(column string, distinct bool, delim string) string {
	if distinct {
		return fmt.Sprintf("GROUP_CONCAT(DISTINCT %s)", column)
	}

	return fmt.Sprintf("GROUP_CONCAT(%s, %s)", column, quote(delim))
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) stringAgg(column string, distinct bool, delim string) string {
	if distinct {
		return fmt.Sprintf("string_agg(DISTINCT %s, %s)", column, quote(delim))
	}

	return fmt.Sprintf("string_agg(%s, %s)", column, quote(delim))
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
