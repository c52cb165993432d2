// Package validate performs edge-of-system validation: every check here
// runs before any side effect and fails with a bad_input-shaped error.
package validate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Sentinel errors for classification by callers.
var (
	ErrInvalidCommitHash = errors.New("invalid commit hash")
	ErrDisallowedHost    = errors.New("host not on the download allow-list")
	ErrInsecureScheme    = errors.New("url must use https")
	ErrPrivateAddress    = errors.New("url resolves to a private or reserved address")
	ErrSensitivePath     = errors.New("path is forbidden")
)

// CommitHashPattern is a short (abbreviated) or full SHA-1 hex digest.
const CommitHashPattern = "^[0-9a-fA-F]{7,40}$"

var reCommitHash = regexp.MustCompile(CommitHashPattern)

// ValidateCommitHash checks the 7-40 hex-character commit hash rule shared
// by the Replay orchestrator and the commits/file-content endpoints.
func ValidateCommitHash(s string) error {
	if !reCommitHash.MatchString(s) {
		return fmt.Errorf("%w: must be 7-40 hex characters, got %q", ErrInvalidCommitHash, s)
	}
	return nil
}

// AllowedDownloadHosts is the GitHub domain allow-list for asset downloads.
var AllowedDownloadHosts = map[string]bool{
	"github.com":                           true,
	"api.github.com":                       true,
	"raw.githubusercontent.com":            true,
	"objects.githubusercontent.com":        true,
	"github-releases.githubusercontent.com": true,
	"codeload.github.com":                  true,
}

// ValidateDownloadURL enforces the asset-download allow-list contract: the
// URL must use https, its host must be on AllowedDownloadHosts, and it must
// not resolve to a private/loopback/reserved address. DNS resolution
// failure is treated as "assume the allow-list is authoritative" and is
// permitted rather than rejected.
func ValidateDownloadURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisallowedHost, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: got scheme %q", ErrInsecureScheme, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !AllowedDownloadHosts[host] {
		return fmt.Errorf("%w: %q", ErrDisallowedHost, host)
	}

	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil // DNS failure: allow-list membership already established above
	}
	for _, addr := range addrs {
		if isPrivateOrReserved(addr.IP) {
			return fmt.Errorf("%w: %s -> %s", ErrPrivateAddress, host, addr.IP)
		}
	}
	return nil
}

func isPrivateOrReserved(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// sensitivePaths blocklists operating-system directories that a download
// destination or file-tree traversal must never resolve into.
var sensitivePaths = []string{
	`C:\Windows`,
	`C:\Program Files`,
	`C:\Program Files (x86)`,
	`C:\Users\Public`,
	"/etc",
	"/var",
	"/usr",
	"/bin",
	"/sbin",
	"/root",
}

// ValidateNotSensitivePath rejects a resolved, absolute path that is equal
// to or nested inside a blocklisted sensitive directory.
func ValidateNotSensitivePath(resolvedPath string) error {
	normalized := filepathToSlash(resolvedPath)
	for _, sensitive := range sensitivePaths {
		s := filepathToSlash(sensitive)
		if normalized == s || strings.HasPrefix(normalized, s+"/") {
			return fmt.Errorf("%w: %s", ErrSensitivePath, resolvedPath)
		}
	}
	return nil
}

func filepathToSlash(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
}

// SanitizeFilename strips directory separators and any character outside
// [a-zA-Z0-9_.\- ], then trims leading/trailing dots and spaces. It is
// idempotent: SanitizeFilename(SanitizeFilename(s)) == SanitizeFilename(s).
// An all-unsafe input falls back to "downloaded_file".
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "/", "")
	filename = strings.ReplaceAll(filename, `\`, "")

	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.' || r == ' ':
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ". ")
	if cleaned == "" {
		return "downloaded_file"
	}
	return cleaned
}
