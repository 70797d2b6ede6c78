// Package sqlbundle exposes the measurement store DDL bundles for the SQL adapters.
package sqlbundle

import (
	"fmt"
	"regexp"
	"strings"

	sqldocs "stoqscore/docs/schema/sql"
)

// SQLite returns the SQLite DDL.
func SQLite() string {
	return sqldocs.SQLite
}

// Postgres returns the Postgres + PostGIS DDL.
func Postgres() string {
	return sqldocs.Postgres
}

// ForDriver returns the DDL bundle for a storage driver name.
func ForDriver(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		return SQLite(), nil
	case "postgres":
		return Postgres(), nil
	default:
		return "", fmt.Errorf("no DDL bundle for driver %q", driver)
	}
}

// SplitStatements cuts a DDL script into statements, each ending in ";".
// "--" comments run to the end of the line; the bundles never quote "--" or ";".
func SplitStatements(ddl string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	for _, line := range strings.Split(ddl, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(line, ";") {
			stmts = append(stmts, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if tail := strings.TrimSpace(cur.String()); tail != "" {
		stmts = append(stmts, tail)
	}
	return stmts
}

var createTable = regexp.MustCompile(`(?i)^CREATE TABLE (?:IF NOT EXISTS )?([a-z_][a-z0-9_]*)`)

// Tables lists the tables a bundle creates, in creation order.
func Tables(ddl string) []string {
	var out []string
	for _, stmt := range SplitStatements(ddl) {
		if m := createTable.FindStringSubmatch(stmt); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}
