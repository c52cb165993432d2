// Package envvars resolves scoped key/value storage encrypted at rest via
// internal/cryptobox, composed into a single merged overlay for a replay
// workspace.
package envvars

import (
	"database/sql"

	"ghreplay/internal/cryptobox"
	"ghreplay/internal/logging"
	"ghreplay/internal/store"
)

// Resolver reads and writes scoped env vars, transparently encrypting and
// decrypting values through box.
type Resolver struct {
	DB  *sql.DB
	Box *cryptobox.Box
}

// Set atomically replaces all vars at the given scope, encrypting each
// value before it reaches the store. Empty plaintext maps to empty
// ciphertext; see cryptobox.Box.Encrypt.
func (r *Resolver) Set(scope store.Scope, vars map[string]string, repoID *int64, commitHash *string) error {
	rows := make([]store.EnvVarRow, 0, len(vars))
	for k, v := range vars {
		ciphertext, err := r.Box.Encrypt(v)
		if err != nil {
			return err
		}
		rows = append(rows, store.EnvVarRow{Key: k, Value: ciphertext})
	}
	return store.ReplaceScopedEnvVars(r.DB, scope, repoID, commitHash, rows)
}

// GetGlobal returns the decrypted global-scope vars.
func (r *Resolver) GetGlobal() (map[string]string, error) {
	return r.getScope(store.ScopeGlobal, nil, nil)
}

// GetProject returns the decrypted project-scope vars for repoID.
func (r *Resolver) GetProject(repoID int64) (map[string]string, error) {
	return r.getScope(store.ScopeProject, &repoID, nil)
}

// GetCommit returns the decrypted commit-scope vars for (repoID, commitHash).
func (r *Resolver) GetCommit(repoID int64, commitHash string) (map[string]string, error) {
	return r.getScope(store.ScopeCommit, &repoID, &commitHash)
}

func (r *Resolver) getScope(scope store.Scope, repoID *int64, commitHash *string) (map[string]string, error) {
	rows, err := store.GetScopedEnvVars(r.DB, scope, repoID, commitHash)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = r.decryptOrLegacyPlaintext(row.Value)
	}
	return out, nil
}

// decryptOrLegacyPlaintext decrypts value; if decryption fails on non-empty
// ciphertext, the value is treated as legacy plaintext that predates
// encryption and is returned verbatim. The next Set call re-encrypts it.
func (r *Resolver) decryptOrLegacyPlaintext(value string) string {
	plaintext, err := r.Box.Decrypt(value)
	if err != nil {
		logging.Debugf("envvars: treating undecryptable value as legacy plaintext")
		return value
	}
	return plaintext
}

// GetMerged composes the overlay global ⊂ project ⊂ commit, later scopes
// overwriting earlier scopes for the same key.
func (r *Resolver) GetMerged(repoID int64, commitHash string) (map[string]string, error) {
	merged := make(map[string]string)

	global, err := r.GetGlobal()
	if err != nil {
		return nil, err
	}
	for k, v := range global {
		merged[k] = v
	}

	project, err := r.GetProject(repoID)
	if err != nil {
		return nil, err
	}
	for k, v := range project {
		merged[k] = v
	}

	commit, err := r.GetCommit(repoID, commitHash)
	if err != nil {
		return nil, err
	}
	for k, v := range commit {
		merged[k] = v
	}

	return merged, nil
}
