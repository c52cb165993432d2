package token

import (
	"database/sql"
	"testing"

	"ghreplay/internal/cryptobox"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE app_config (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		t.Fatalf("failed to create app_config: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestBox(t *testing.T) *cryptobox.Box {
	t.Helper()
	key, err := cryptobox.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	box, err := cryptobox.NewBox(key)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

func TestResolvePrecedence(t *testing.T) {
	db := newTestDB(t)
	box := newTestBox(t)
	if err := StoreToken(db, box, "db-token"); err != nil {
		t.Fatalf("StoreToken() error = %v", err)
	}

	r := &Resolver{EnvToken: "env-token", Box: box, DB: db}

	if tok, src := r.Resolve("  request-token  "); tok != "request-token" || src != SourceRequest {
		t.Errorf("Resolve(request) = (%q, %q), want (request-token, request)", tok, src)
	}
	if tok, src := r.Resolve(""); tok != "env-token" || src != SourceEnv {
		t.Errorf("Resolve(no request) = (%q, %q), want (env-token, env)", tok, src)
	}

	r2 := &Resolver{Box: box, DB: db}
	if tok, src := r2.Resolve(""); tok != "db-token" || src != SourceDB {
		t.Errorf("Resolve(no request/env) = (%q, %q), want (db-token, db)", tok, src)
	}

	r3 := &Resolver{}
	if tok, src := r3.Resolve(""); tok != "" || src != SourceNone {
		t.Errorf("Resolve(nothing configured) = (%q, %q), want (\"\", none)", tok, src)
	}
}

func TestResolveSwallowsDecryptFailure(t *testing.T) {
	db := newTestDB(t)
	wrongBox := newTestBox(t)
	rightBox := newTestBox(t)
	if err := StoreToken(db, rightBox, "db-token"); err != nil {
		t.Fatalf("StoreToken() error = %v", err)
	}

	r := &Resolver{Box: wrongBox, DB: db}
	if tok, src := r.Resolve(""); tok != "" || src != SourceNone {
		t.Errorf("Resolve() with wrong key = (%q, %q), want (\"\", none)", tok, src)
	}
}
