package store

import (
	"database/sql"
	"fmt"
)

// Scope is one of the three env-var tiers.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeProject Scope = "project"
	ScopeCommit  Scope = "commit"
)

// EnvVarRow is one stored (key, ciphertext) pair at a given scope. Value
// holds ciphertext as produced by cryptobox.Box.Encrypt; decryption is the
// caller's (internal/envvars's) responsibility.
type EnvVarRow struct {
	Key   string
	Value string
}

// ReplaceScopedEnvVars atomically deletes all rows matching the given
// scope/repoID/commitHash and inserts vars in their place.
func ReplaceScopedEnvVars(db *sql.DB, scope Scope, repoID *int64, commitHash *string, vars []EnvVarRow) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("replace scoped env vars: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(deleteScopeQuery(scope), deleteScopeArgs(scope, repoID, commitHash)...); err != nil {
		return fmt.Errorf("replace scoped env vars: %w", err)
	}

	for _, v := range vars {
		if _, err := tx.Exec(
			`INSERT INTO env_vars(key, value, scope, repository_id, commit_hash) VALUES (?, ?, ?, ?, ?)`,
			v.Key, v.Value, string(scope), repoIDArg(repoID), commitHashArg(commitHash),
		); err != nil {
			return fmt.Errorf("replace scoped env vars: %w", err)
		}
	}
	return tx.Commit()
}

func deleteScopeQuery(scope Scope) string {
	switch scope {
	case ScopeGlobal:
		return `DELETE FROM env_vars WHERE scope = 'global'`
	case ScopeProject:
		return `DELETE FROM env_vars WHERE scope = 'project' AND repository_id = ?`
	default:
		return `DELETE FROM env_vars WHERE scope = 'commit' AND repository_id = ? AND commit_hash = ?`
	}
}

func deleteScopeArgs(scope Scope, repoID *int64, commitHash *string) []any {
	switch scope {
	case ScopeGlobal:
		return nil
	case ScopeProject:
		return []any{repoIDArg(repoID)}
	default:
		return []any{repoIDArg(repoID), commitHashArg(commitHash)}
	}
}

func repoIDArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func commitHashArg(h *string) any {
	if h == nil {
		return nil
	}
	return *h
}

// GetScopedEnvVars returns all rows for the given scope tier.
func GetScopedEnvVars(db *sql.DB, scope Scope, repoID *int64, commitHash *string) ([]EnvVarRow, error) {
	var rows *sql.Rows
	var err error
	switch scope {
	case ScopeGlobal:
		rows, err = db.Query(`SELECT key, value FROM env_vars WHERE scope = 'global'`)
	case ScopeProject:
		rows, err = db.Query(`SELECT key, value FROM env_vars WHERE scope = 'project' AND repository_id = ?`, repoIDArg(repoID))
	default:
		rows, err = db.Query(`SELECT key, value FROM env_vars WHERE scope = 'commit' AND repository_id = ? AND commit_hash = ?`,
			repoIDArg(repoID), commitHashArg(commitHash))
	}
	if err != nil {
		return nil, fmt.Errorf("get scoped env vars: %w", err)
	}
	defer rows.Close()

	var out []EnvVarRow
	for rows.Next() {
		var v EnvVarRow
		if err := rows.Scan(&v.Key, &v.Value); err != nil {
			return nil, fmt.Errorf("get scoped env vars: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
