// Package config provides centralized configuration management.
// All environment lookups live here instead of scattered os.Getenv calls.
package config

import (
	"os"
	"path/filepath"
	"sync"
)

// AtelierEnv holds all atelier environment variables.
type AtelierEnv struct {
	// LLMBaseURL is the chat-completion endpoint base URL (ATELIER_LLM_BASE_URL)
	LLMBaseURL string

	// LLMAPIKey authenticates against the chat-completion endpoint (ATELIER_LLM_API_KEY)
	LLMAPIKey string

	// PlanModel is the model used for plan synthesis (ATELIER_PLAN_MODEL)
	PlanModel string

	// BuildModel is the model used inside the sandboxed runtime (ATELIER_BUILD_MODEL)
	BuildModel string

	// ProviderID names the model provider passed to the runtime (ATELIER_PROVIDER)
	ProviderID string

	// RuntimeBinary overrides the sandboxed runtime binary path (ATELIER_RUNTIME_BIN)
	RuntimeBinary string

	// Workspace is the root directory for task working directories (ATELIER_WORKSPACE)
	Workspace string
}

var (
	env     *AtelierEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *AtelierEnv {
	envOnce.Do(func() {
		env = &AtelierEnv{
			LLMBaseURL:    getEnvDefault("ATELIER_LLM_BASE_URL", "https://api.openai.com/v1"),
			LLMAPIKey:     os.Getenv("ATELIER_LLM_API_KEY"),
			PlanModel:     getEnvDefault("ATELIER_PLAN_MODEL", "gpt-4o"),
			BuildModel:    getEnvDefault("ATELIER_BUILD_MODEL", "gpt-4o"),
			ProviderID:    getEnvDefault("ATELIER_PROVIDER", "openai"),
			RuntimeBinary: os.Getenv("ATELIER_RUNTIME_BIN"),
			Workspace:     os.Getenv("ATELIER_WORKSPACE"),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Paths holds standard atelier directory paths.
type Paths struct {
	// Home is the atelier home directory (~/.atelier)
	Home string

	// Data is the data directory holding the task database (~/.atelier/data)
	Data string

	// Workspace is where per-task working directories are created (~/.atelier/workspace)
	Workspace string

	// Diagnostics holds per-run conversation transcripts (~/.atelier/diagnostics)
	Diagnostics string

	// ConfigFile is the optional YAML config file (~/.atelier/config.yaml)
	ConfigFile string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		root := filepath.Join(home, ".atelier")

		if ws := Env().Workspace; ws != "" {
			paths = &Paths{
				Home:        root,
				Data:        filepath.Join(root, "data"),
				Workspace:   ws,
				Diagnostics: filepath.Join(root, "diagnostics"),
				ConfigFile:  filepath.Join(root, "config.yaml"),
			}
			return
		}

		paths = &Paths{
			Home:        root,
			Data:        filepath.Join(root, "data"),
			Workspace:   filepath.Join(root, "workspace"),
			Diagnostics: filepath.Join(root, "diagnostics"),
			ConfigFile:  filepath.Join(root, "config.yaml"),
		}
	})
	return paths
}

// ResetPaths resets the cached paths (for testing).
func ResetPaths() {
	pathsOnce = sync.Once{}
	paths = nil
}

// EnsureDirs creates the standard directories if missing.
func EnsureDirs(p *Paths) error {
	for _, dir := range []string{p.Home, p.Data, p.Workspace, p.Diagnostics} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
