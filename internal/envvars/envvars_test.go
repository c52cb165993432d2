package envvars

import (
	"database/sql"
	"testing"

	"ghreplay/internal/cryptobox"
	"ghreplay/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *sql.DB) {
	t.Helper()
	db, err := store.InitDatabase(":memory:")
	if err != nil {
		t.Fatalf("InitDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	key, err := cryptobox.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	box, err := cryptobox.NewBox(key)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return &Resolver{DB: db, Box: box}, db
}

func TestSetAndGetGlobalRoundTrips(t *testing.T) {
	r, _ := newTestResolver(t)
	if err := r.Set(store.ScopeGlobal, map[string]string{"FOO": "bar"}, nil, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := r.GetGlobal()
	if err != nil {
		t.Fatalf("GetGlobal() error = %v", err)
	}
	if got["FOO"] != "bar" {
		t.Fatalf("GetGlobal()[FOO] = %q, want %q", got["FOO"], "bar")
	}
}

func TestSetReplacesPriorValuesAtScope(t *testing.T) {
	r, _ := newTestResolver(t)
	repoID := int64(1)
	if err := r.Set(store.ScopeProject, map[string]string{"A": "1", "B": "2"}, &repoID, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := r.Set(store.ScopeProject, map[string]string{"C": "3"}, &repoID, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := r.GetProject(repoID)
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if _, ok := got["A"]; ok {
		t.Fatal("GetProject() still has stale key A after replace")
	}
	if got["C"] != "3" {
		t.Fatalf("GetProject()[C] = %q, want %q", got["C"], "3")
	}
}

func TestGetMergedComposesScopesWithCommitOverridingProjectOverridingGlobal(t *testing.T) {
	r, _ := newTestResolver(t)
	repoID := int64(7)
	commit := "deadbeef"

	if err := r.Set(store.ScopeGlobal, map[string]string{"LEVEL": "global", "ONLY_GLOBAL": "g"}, nil, nil); err != nil {
		t.Fatalf("Set(global) error = %v", err)
	}
	if err := r.Set(store.ScopeProject, map[string]string{"LEVEL": "project", "ONLY_PROJECT": "p"}, &repoID, nil); err != nil {
		t.Fatalf("Set(project) error = %v", err)
	}
	if err := r.Set(store.ScopeCommit, map[string]string{"LEVEL": "commit"}, &repoID, &commit); err != nil {
		t.Fatalf("Set(commit) error = %v", err)
	}

	merged, err := r.GetMerged(repoID, commit)
	if err != nil {
		t.Fatalf("GetMerged() error = %v", err)
	}
	if merged["LEVEL"] != "commit" {
		t.Fatalf("merged[LEVEL] = %q, want %q (commit wins)", merged["LEVEL"], "commit")
	}
	if merged["ONLY_GLOBAL"] != "g" || merged["ONLY_PROJECT"] != "p" {
		t.Fatalf("merged missing lower-scope keys: %+v", merged)
	}
}

func TestGetTreatsUndecryptableValueAsLegacyPlaintext(t *testing.T) {
	r, db := newTestResolver(t)
	if _, err := db.Exec(
		`INSERT INTO env_vars(key, value, scope, repository_id, commit_hash) VALUES (?, ?, 'global', NULL, NULL)`,
		"LEGACY", "not-actually-ciphertext",
	); err != nil {
		t.Fatalf("seeding legacy row: %v", err)
	}

	got, err := r.GetGlobal()
	if err != nil {
		t.Fatalf("GetGlobal() error = %v", err)
	}
	if got["LEGACY"] != "not-actually-ciphertext" {
		t.Fatalf("GetGlobal()[LEGACY] = %q, want verbatim legacy value", got["LEGACY"])
	}
}

func TestSetEmptyValueRoundTrips(t *testing.T) {
	r, _ := newTestResolver(t)
	if err := r.Set(store.ScopeGlobal, map[string]string{"EMPTY": ""}, nil, nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := r.GetGlobal()
	if err != nil {
		t.Fatalf("GetGlobal() error = %v", err)
	}
	if got["EMPTY"] != "" {
		t.Fatalf("GetGlobal()[EMPTY] = %q, want empty string", got["EMPTY"])
	}
}
