// Package config loads application configuration from a YAML file overlaid
// with environment variables, following the precedence: file, then env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ghreplay/internal/cryptobox"
	"ghreplay/internal/githubapp"
)

const (
	AppName = "ghreplay"

	// DefaultAPIBaseURL is the GitHub REST endpoint used when none is configured.
	DefaultAPIBaseURL = "https://api.github.com"
	// DefaultBasePort is the first port the replay orchestrator allocates.
	DefaultBasePort = 9000
	// DefaultCacheTTLMinutes is the coalescing cache TTL when an endpoint kind
	// does not override it.
	DefaultCacheTTLMinutes = 60
	// DefaultReleaseTTLMinutes is the release cache TTL.
	DefaultReleaseTTLMinutes = 60
)

// Debug enables verbose logs across packages that consult it.
var Debug bool

// Config holds the application configuration.
type Config struct {
	GitHubToken   string   `yaml:"github_token"`
	APIBaseURL    string   `yaml:"api_base_url"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	DatabasePath  string   `yaml:"database_path"`
	WorkspaceRoot string   `yaml:"workspace_root"`
	BasePort      int      `yaml:"base_port"`
	CORSOrigins   []string `yaml:"cors_origins"`
	// EncryptionKeyFile is a legacy fallback: a file under the data directory
	// holding a base64-encoded secretbox key. GHREPLAY_ENCRYPTION_KEY (env)
	// wins when both are present.
	EncryptionKeyFile string   `yaml:"encryption_key_file"`
	EncryptionKey     string   `yaml:"-"`
	GitHubApp         GitHubApp `yaml:"github_app"`
}

// GitHubApp configures an alternate credential path: a GitHub App
// installation token minted via ghinstallation, used to populate
// GitHubToken at load time when no literal token is otherwise configured.
// It sits alongside, not inside, the token resolver's request/env/db
// precedence: once minted it is indistinguishable from an env-supplied
// token to the rest of the system.
type GitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Configured reports whether enough fields are set to attempt minting an
// installation token.
func (g GitHubApp) Configured() bool {
	return g.AppID != 0 && g.InstallationID != 0 && g.PrivateKeyPath != ""
}

// GetConfig loads configuration from file and environment variables and
// validates it.
func GetConfig(customPath string) (*Config, error) {
	cfg, err := LoadConfigNoValidate(customPath)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigNoValidate loads configuration from file and environment
// variables without validation.
//
//   - If a custom path was provided and the file is missing or invalid, an
//     error is returned.
//   - If no custom path was provided and the default file is missing, it is
//     silently ignored.
func LoadConfigNoValidate(customPath string) (*Config, error) {
	cfg := &Config{}

	isCustom := customPath != ""
	configPath, err := ResolveConfigPath(customPath)
	if err != nil {
		return nil, err
	}

	file, rerr := os.ReadFile(configPath)
	switch {
	case rerr == nil:
		expanded := os.ExpandEnv(string(file))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			if isCustom {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	case os.IsNotExist(rerr):
		if isCustom {
			return nil, fmt.Errorf("--config file not found: %s", configPath)
		}
	default:
		if isCustom {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, rerr)
		}
	}

	overlayEnv(cfg)

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.WorkspaceRoot == "" {
		dataDir, err := DataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default workspace_root: %w", err)
		}
		cfg.WorkspaceRoot = filepath.Join(dataDir, "workspaces")
	}

	if cfg.GitHubToken == "" && cfg.GitHubApp.Configured() {
		token, err := githubapp.InstallationToken(cfg.GitHubApp.AppID, cfg.GitHubApp.InstallationID, cfg.GitHubApp.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to mint github app installation token: %w", err)
		}
		cfg.GitHubToken = token
	}

	return cfg, nil
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("GHREPLAY_GITHUB_TOKEN"); v != "" {
		cfg.GitHubToken = v
	}
	if v := os.Getenv("GHREPLAY_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("GHREPLAY_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GHREPLAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("GHREPLAY_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("GHREPLAY_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("GHREPLAY_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BasePort = n
		}
	}
	if v := os.Getenv("GHREPLAY_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	// The environment-provided encryption key always wins over the keyfile
	// fallback when both are present.
	if v := os.Getenv("GHREPLAY_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("GHREPLAY_GITHUB_APP_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.GitHubApp.AppID = n
		}
	}
	if v := os.Getenv("GHREPLAY_GITHUB_APP_INSTALLATION_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.GitHubApp.InstallationID = n
		}
	}
	if v := os.Getenv("GHREPLAY_GITHUB_APP_PRIVATE_KEY_PATH"); v != "" {
		cfg.GitHubApp.PrivateKeyPath = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.DatabasePath != "" {
		cleaned := filepath.Clean(cfg.DatabasePath)
		if strings.ContainsRune(cleaned, '\x00') || filepath.Base(cleaned) == "." || filepath.Base(cleaned) == ".." {
			return fmt.Errorf("invalid database_path: contains invalid characters or basename")
		}
		if filepath.IsAbs(cleaned) {
			cfg.DatabasePath = cleaned
		} else {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("could not get working directory: %w", err)
			}
			abs := filepath.Clean(filepath.Join(wd, cleaned))
			rel, err := filepath.Rel(wd, abs)
			if err != nil {
				return fmt.Errorf("invalid database_path: %w", err)
			}
			if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
				return fmt.Errorf("invalid database_path: must reside within current working directory")
			}
			cfg.DatabasePath = abs
		}
	}
	if cfg.WorkspaceRoot != "" {
		abs, err := filepath.Abs(cfg.WorkspaceRoot)
		if err != nil {
			return fmt.Errorf("invalid workspace_root: %w", err)
		}
		cfg.WorkspaceRoot = abs
	}
	return nil
}

// ResolveConfigPath returns the config file path given a custom path or the
// default location.
func ResolveConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", AppName, "config.yaml"), nil
}

// DataDir returns the directory holding the database, workspaces root, and
// the legacy encryption keyfile fallback.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", AppName), nil
}

// ResolveEncryptionBox builds the secretbox key used by the token store and
// scoped env-var encryption. The environment-provided key always wins; the
// keyfile fallback is created with a fresh random key on first run so a new
// installation never needs a manual key-generation step.
func ResolveEncryptionBox(cfg *Config) (*cryptobox.Box, error) {
	if cfg.EncryptionKey != "" {
		return cryptobox.NewBox(cfg.EncryptionKey)
	}

	keyFile := cfg.EncryptionKeyFile
	if keyFile == "" {
		dataDir, err := DataDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default keyfile location: %w", err)
		}
		keyFile = filepath.Join(dataDir, "encryption.key")
	}

	raw, err := os.ReadFile(keyFile)
	switch {
	case err == nil:
		return cryptobox.NewBox(strings.TrimSpace(string(raw)))
	case os.IsNotExist(err):
		key, genErr := cryptobox.GenerateKey()
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", genErr)
		}
		if mkErr := os.MkdirAll(filepath.Dir(keyFile), 0o700); mkErr != nil {
			return nil, fmt.Errorf("failed to create keyfile directory: %w", mkErr)
		}
		if writeErr := os.WriteFile(keyFile, []byte(key), 0o600); writeErr != nil {
			return nil, fmt.Errorf("failed to persist generated encryption key: %w", writeErr)
		}
		return cryptobox.NewBox(key)
	default:
		return nil, fmt.Errorf("failed to read encryption keyfile %s: %w", keyFile, err)
	}
}
