package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Storage.TaskStore.Driver != "memory" {
		t.Fatalf("unexpected task store driver: %s", cfg.Storage.TaskStore.Driver)
	}
	if cfg.Storage.Sessions.Driver != "file" {
		t.Fatalf("unexpected session driver: %s", cfg.Storage.Sessions.Driver)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Size != 64 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.LLM.Timeout() != 60*time.Second {
		t.Fatalf("unexpected llm timeout: %s", cfg.LLM.Timeout())
	}
	if cfg.Orchestrator.WaitTimeout() != 60*time.Second || cfg.Orchestrator.Workers != 4 {
		t.Fatalf("unexpected orchestrator defaults: %+v", cfg.Orchestrator)
	}
}

func TestLoadSurfaceDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"surfaces": [
			{"name": "x", "base_url": "https://x.com", "locators_path": "locators.yaml"}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	s := cfg.Surfaces[0]
	if !filepath.IsAbs(s.LocatorsPath) {
		t.Fatalf("locators path should be absolute: %s", s.LocatorsPath)
	}
	if s.ThinkTimeMin() <= 0 || s.ThinkTimeMax() <= s.ThinkTimeMin() {
		t.Fatalf("unexpected think time window: %s..%s", s.ThinkTimeMin(), s.ThinkTimeMax())
	}
}

func TestResolveCredentialsFromEnv(t *testing.T) {
	t.Setenv("TEST_X_USERNAME", "operator")
	t.Setenv("TEST_X_PASSWORD", "")

	s := SurfaceConfig{Credentials: map[string]string{
		"username": "TEST_X_USERNAME",
		"password": "TEST_X_PASSWORD",
	}}

	creds := s.ResolveCredentials()
	if creds["username"] != "operator" {
		t.Fatalf("unexpected username: %q", creds["username"])
	}
	if _, ok := creds["password"]; ok {
		t.Fatal("empty env var should be omitted")
	}
}

func TestLoadRejectsUnknownDrivers(t *testing.T) {
	cases := map[string]string{
		"task store": `{"storage": {"task_store": {"driver": "postgres"}}}`,
		"queue":      `{"queue": {"driver": "kafka"}}`,
		"bus":        `{"bus": {"driver": "nats"}}`,
		"llm":        `{"llm": {"provider": "cohere"}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRequiresDSNForMySQL(t *testing.T) {
	if _, err := Load(writeConfig(t, `{"storage": {"task_store": {"driver": "mysql"}}}`)); err == nil {
		t.Fatal("expected dsn validation error")
	}
}
