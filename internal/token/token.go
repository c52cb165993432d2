// Package token resolves the effective GitHub credential: request scope,
// then environment, then the encrypted store, reporting which source won
// so the rate-limit tracker can attribute quota ownership.
package token

import (
	"database/sql"
	"strings"

	"ghreplay/internal/cryptobox"
	"ghreplay/internal/logging"
	"ghreplay/internal/store"
)

// Source identifies which tier supplied the effective token.
type Source string

const (
	SourceRequest Source = "request"
	SourceEnv     Source = "env"
	SourceDB      Source = "db"
	SourceNone    Source = "none"
)

// Resolver picks the effective credential given a process-wide env token
// and an optional encryption box for the database tier.
type Resolver struct {
	EnvToken string
	Box      *cryptobox.Box // nil disables the db tier entirely
	DB       *sql.DB
}

// Resolve implements a strict precedence: request, then env, then db,
// else none. Decryption failure is logged and treated as a miss without
// surfacing the error to the caller.
func (r *Resolver) Resolve(requestToken string) (token string, source Source) {
	if trimmed := strings.TrimSpace(requestToken); trimmed != "" {
		return trimmed, SourceRequest
	}
	if r.EnvToken != "" {
		return r.EnvToken, SourceEnv
	}
	if r.Box != nil && r.DB != nil {
		ciphertext, ok, err := store.GetAppConfig(r.DB, store.ConfigKeyGitHubToken)
		if err == nil && ok && ciphertext != "" {
			plain, derr := r.Box.Decrypt(ciphertext)
			if derr != nil {
				logging.Debugf("token: decrypt db token failed: %v", derr)
			} else if plain != "" {
				return plain, SourceDB
			}
		} else if err != nil {
			logging.Debugf("token: read db token failed: %v", err)
		}
	}
	return "", SourceNone
}

// StoreToken encrypts and persists token under the app_config github_token
// key, for the db tier to pick up.
func StoreToken(db *sql.DB, box *cryptobox.Box, token string) error {
	ciphertext, err := box.Encrypt(token)
	if err != nil {
		return err
	}
	return store.SetAppConfig(db, store.ConfigKeyGitHubToken, ciphertext)
}

// ToApiStatusSource maps a resolver Source onto the four-valued
// TokenSource enumeration the rate-limit tracker persists.
func ToApiStatusSource(s Source) store.TokenSource {
	switch s {
	case SourceEnv:
		return store.SourceEnv
	case SourceDB:
		return store.SourceDB
	case SourceRequest:
		return store.SourceAuthed
	default:
		return store.SourceNone
	}
}
