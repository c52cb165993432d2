package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetConfig(t *testing.T) {
	t.Run("loads from environment variables", func(t *testing.T) {
		t.Setenv("GHREPLAY_GITHUB_TOKEN", "env-token")
		t.Setenv("GHREPLAY_HOST", "0.0.0.0")
		t.Setenv("GHREPLAY_PORT", "8123")
		t.Setenv("GHREPLAY_BASE_PORT", "9100")
		t.Setenv("GHREPLAY_CORS_ORIGINS", "https://a.example,https://b.example")

		tempFile := filepath.Join(t.TempDir(), "cfg.yaml")
		if err := os.WriteFile(tempFile, []byte(""), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := GetConfig(tempFile)
		if err != nil {
			t.Fatalf("GetConfig() error = %v", err)
		}

		if cfg.GitHubToken != "env-token" {
			t.Errorf("GitHubToken = %v, want %v", cfg.GitHubToken, "env-token")
		}
		if cfg.Host != "0.0.0.0" {
			t.Errorf("Host = %v, want %v", cfg.Host, "0.0.0.0")
		}
		if cfg.Port != 8123 {
			t.Errorf("Port = %v, want %v", cfg.Port, 8123)
		}
		if cfg.BasePort != 9100 {
			t.Errorf("BasePort = %v, want %v", cfg.BasePort, 9100)
		}
		if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" {
			t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
		}
	})

	t.Run("loads from custom path yaml with env expansion", func(t *testing.T) {
		tempDir := t.TempDir()
		customPath := filepath.Join(tempDir, "custom_config.yaml")
		t.Setenv("MY_TOKEN", "custom-path-token")

		yamlContent := `
github_token: $MY_TOKEN
database_path: ghreplay.db
`
		if err := os.WriteFile(customPath, []byte(yamlContent), 0644); err != nil {
			t.Fatal(err)
		}

		cfg, err := GetConfig(customPath)
		if err != nil {
			t.Fatalf("GetConfig() with custom path error = %v", err)
		}

		if cfg.GitHubToken != "custom-path-token" {
			t.Errorf("GitHubToken = %v, want %v", cfg.GitHubToken, "custom-path-token")
		}
	})

	t.Run("applies defaults when unset", func(t *testing.T) {
		tempFile := filepath.Join(t.TempDir(), "cfg.yaml")
		if err := os.WriteFile(tempFile, []byte(""), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := GetConfig(tempFile)
		if err != nil {
			t.Fatalf("GetConfig() error = %v", err)
		}
		if cfg.APIBaseURL != DefaultAPIBaseURL {
			t.Errorf("APIBaseURL = %v, want %v", cfg.APIBaseURL, DefaultAPIBaseURL)
		}
		if cfg.BasePort != DefaultBasePort {
			t.Errorf("BasePort = %v, want %v", cfg.BasePort, DefaultBasePort)
		}
	})

	t.Run("rejects database_path escaping the working directory", func(t *testing.T) {
		tempFile := filepath.Join(t.TempDir(), "cfg.yaml")
		yamlContent := "database_path: ../../etc/passwd\n"
		if err := os.WriteFile(tempFile, []byte(yamlContent), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := GetConfig(tempFile)
		if err == nil {
			t.Fatal("expected error for path-traversal database_path, got nil")
		}
	})

	t.Run("environment key wins over keyfile", func(t *testing.T) {
		tempFile := filepath.Join(t.TempDir(), "cfg.yaml")
		yamlContent := "encryption_key_file: /some/keyfile\n"
		if err := os.WriteFile(tempFile, []byte(yamlContent), 0644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("GHREPLAY_ENCRYPTION_KEY", "env-supplied-key")

		cfg, err := GetConfig(tempFile)
		if err != nil {
			t.Fatalf("GetConfig() error = %v", err)
		}
		if cfg.EncryptionKey != "env-supplied-key" {
			t.Errorf("EncryptionKey = %v, want %v", cfg.EncryptionKey, "env-supplied-key")
		}
		if cfg.EncryptionKeyFile != "/some/keyfile" {
			t.Errorf("EncryptionKeyFile = %v, want %v", cfg.EncryptionKeyFile, "/some/keyfile")
		}
	})
}
