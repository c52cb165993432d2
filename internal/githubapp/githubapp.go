// Package githubapp mints GitHub App installation tokens as an alternate
// credential path alongside the personal-access-token flow in
// internal/token. It is consulted once at config load time (see
// internal/config.LoadConfigNoValidate); the rest of the system never
// knows whether a token came from a PEM-signed JWT exchange or a literal
// environment variable.
package githubapp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

const tokenRequestTimeout = 10 * time.Second

// InstallationToken exchanges a GitHub App's private key for a short-lived
// installation access token, returning the bare token string rather than a
// pre-wrapped *http.Client to match this repo's per-request bearer token
// model.
func InstallationToken(appID, installationID int64, privateKeyPath string) (string, error) {
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to create github app transport: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tokenRequestTimeout)
	defer cancel()

	token, err := tr.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}
	return token, nil
}
