package fixgres

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/url"
	"testing"
	"time"
)

// Sandbox is a per-test schema. DB and every connection opened from DSN
// resolve unqualified names in Schema first.
type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
	Close  func()
}

// Start boots the shared container from TestMain. It returns false, after
// printing the reason, when integration tests should be skipped.
func Start(_ *testing.M, opts ...Option) bool {
	if !flag.Parsed() {
		flag.Parse()
	}
	if testing.Short() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := Boot(ctx, opts...); err != nil {
		fmt.Printf("fixgres: postgres unavailable, skipping integration tests: %v\n", err)
		return false
	}
	return true
}

// NewSandbox creates a fresh schema for t and drops it on cleanup. The test
// is skipped when no container was booted.
func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if connString == "" {
		t.Skip("fixgres: no postgres container")
	}

	admin, err := sql.Open("pgx", connString) // admin connection (no search_path)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	dsn := withSearchPath(connString, schema)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}

	sbx := &Sandbox{DB: db, DSN: dsn, Schema: schema}
	sbx.Close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = db.Close()
		_ = admin.Close()
	}
	t.Cleanup(sbx.Close)
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
