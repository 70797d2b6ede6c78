package sqlbundle

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	for name, ddl := range map[string]string{"sqlite": SQLite(), "postgres": Postgres()} {
		stmts := SplitStatements(ddl)
		if len(stmts) == 0 {
			t.Fatalf("%s: expected DDL to produce statements", name)
		}
		for _, stmt := range stmts {
			if strings.HasPrefix(strings.TrimSpace(stmt), "--") {
				t.Fatalf("%s: statement unexpectedly starts with comment: %q", name, stmt)
			}
			if !strings.HasSuffix(strings.TrimSpace(stmt), ";") {
				t.Fatalf("%s: statement missing semicolon terminator: %q", name, stmt)
			}
		}
	}
}

func TestBundlesDeclareEveryTable(t *testing.T) {
	want := []string{"campaign", "campaignlog", "activitytype", "platformtype", "platform", "parameter", "activity", "instantpoint", "measurement", "activityparameter", "measuredparameter"}
	for name, ddl := range map[string]string{"sqlite": SQLite(), "postgres": Postgres()} {
		got := Tables(ddl)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("%s bundle tables = %v, want %v", name, got, want)
		}
	}
}

func TestSplitStatementsDropsInlineComments(t *testing.T) {
	stmts := SplitStatements("-- header\nCREATE TABLE a (\n  id INT -- key\n);\n\nCREATE INDEX b ON a (id);\nSELECT 1")
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %q", stmts)
	}
	if stmts[0] != "CREATE TABLE a (\n  id INT\n);" {
		t.Fatalf("unexpected first statement %q", stmts[0])
	}
	if stmts[2] != "SELECT 1" {
		t.Fatalf("expected unterminated tail to be kept, got %q", stmts[2])
	}
}

func TestPostgresBundleUsesPostGIS(t *testing.T) {
	ddl := Postgres()
	if !strings.Contains(ddl, "geometry(Point, 4326)") || !strings.Contains(ddl, "USING GIST (geom)") {
		t.Fatal("expected postgres DDL to declare an indexed PostGIS point")
	}
	if !strings.Contains(ddl, "NUMERIC(100, 30)") {
		t.Fatal("expected postgres DDL to keep NUMERIC(100, 30) decimals")
	}
}

func TestForDriver(t *testing.T) {
	if ddl, err := ForDriver("SQLite"); err != nil || ddl != SQLite() {
		t.Fatalf("sqlite bundle lookup failed: %v", err)
	}
	if _, err := ForDriver("oracle"); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}
