package cmd

import (
	"fmt"

	"ghreplay/internal/config"

	"gopkg.in/yaml.v3"
)

// ShowSettings loads application settings and prints masked YAML to stdout.
// The GitHub token and encryption key never appear in full.
func ShowSettings(cli *CLI) error {
	cfg, err := config.LoadConfigNoValidate(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	out, err := renderMaskedConfigYAML(cfg)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// renderMaskedConfigYAML returns YAML of config with secrets masked.
func renderMaskedConfigYAML(cfg *config.Config) (string, error) {
	safe := struct {
		APIBaseURL        string   `yaml:"api_base_url"`
		GitHubToken       string   `yaml:"github_token"`
		Host              string   `yaml:"host"`
		Port              int      `yaml:"port"`
		DatabasePath      string   `yaml:"database_path"`
		WorkspaceRoot     string   `yaml:"workspace_root"`
		BasePort          int      `yaml:"base_port"`
		CORSOrigins       []string `yaml:"cors_origins"`
		EncryptionKey     string   `yaml:"encryption_key"`
		GitHubAppID       int64    `yaml:"github_app_id,omitempty"`
		GitHubAppInstall  int64    `yaml:"github_app_installation_id,omitempty"`
		GitHubAppKeyPath  string   `yaml:"github_app_private_key_path,omitempty"`
	}{
		APIBaseURL:       cfg.APIBaseURL,
		GitHubToken:      maskSecret(cfg.GitHubToken),
		Host:             cfg.Host,
		Port:             cfg.Port,
		DatabasePath:     cfg.DatabasePath,
		WorkspaceRoot:    cfg.WorkspaceRoot,
		BasePort:         cfg.BasePort,
		CORSOrigins:      cfg.CORSOrigins,
		EncryptionKey:    maskSecret(cfg.EncryptionKey),
		GitHubAppID:      cfg.GitHubApp.AppID,
		GitHubAppInstall: cfg.GitHubApp.InstallationID,
		GitHubAppKeyPath: cfg.GitHubApp.PrivateKeyPath,
	}

	b, err := yaml.Marshal(&safe)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(b), nil
}

// maskSecret keeps the last 4 characters of a reasonably long secret and
// masks the rest; shorter secrets are masked fully.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > 8 {
		return "[masked]..." + s[len(s)-4:]
	}
	return "[masked]"
}
