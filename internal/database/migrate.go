package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema.sql
var schemaSQL string

// procedureMarker separates stored procedures in schema.sql.  Procedure
// bodies contain semicolons, so they cannot be split like plain DDL.
const procedureMarker = "-- +procedure"

// Migrate creates the tables and (re)creates the stored procedures.  Every
// statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Statements(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Statements splits a schema file into executable statements: plain DDL is
// split on ';' at line end, and each block after a procedure marker is kept
// whole.
func Statements(src string) []string {
	parts := strings.Split(src, procedureMarker)
	var out []string
	for _, stmt := range strings.Split(parts[0], ";\n") {
		if s := cleanStatement(stmt); s != "" {
			out = append(out, s)
		}
	}
	for _, proc := range parts[1:] {
		if s := cleanStatement(proc); s != "" {
			out = append(out, strings.TrimSuffix(s, "$$"))
		}
	}
	return out
}

func cleanStatement(s string) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(l); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		lines = append(lines, l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
