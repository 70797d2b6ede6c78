package testutil

import (
	"context"
	"testing"
)

func TestStubDBRecordsStatements(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS campaign (id CHAR(32))"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	rows, err := db.QueryContext(ctx, "SELECT id FROM campaign")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows.Next() {
		t.Fatal("stub queries should return no rows")
	}
	_ = rows.Close()

	got := conn.Statements()
	if len(got) != 2 || got[0] != "CREATE TABLE IF NOT EXISTS campaign (id CHAR(32))" {
		t.Fatalf("unexpected statements: %v", got)
	}
}

func TestStubDBFailures(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	conn.FailOn = "postgis"
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err == nil {
		t.Fatal("expected matching statement to fail")
	}
	conn.FailPing = true
	if err := db.PingContext(ctx); err == nil {
		t.Fatal("expected ping failure")
	}
	conn.FailBegin = true
	if _, err := db.BeginTx(ctx, nil); err == nil {
		t.Fatal("expected begin failure")
	}
}
