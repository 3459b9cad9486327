package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RuntimeModels names the models the sandboxed runtime should use per concern.
type RuntimeModels struct {
	Provider string
	Plan     string
	Build    string
}

// RuntimeSecrets carries credentials injected into the runtime document.
type RuntimeSecrets struct {
	APIKey  string
	BaseURL string
}

// RuntimeDocument is the configuration document consumed by the sandboxed
// runtime on startup. It is rebuilt from scratch on demand, never mutated.
type RuntimeDocument struct {
	Provider map[string]RuntimeProvider `json:"provider"`
	Agent    map[string]RuntimeAgent    `json:"agent"`
}

// RuntimeProvider configures one model provider inside the runtime.
type RuntimeProvider struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

// RuntimeAgent configures one persona inside the runtime.
type RuntimeAgent struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt,omitempty"`
}

// Persona system prompts baked into the runtime agents. The phase
// executor sends the same prompts per request so a stale runtime
// config cannot change phase behavior.
const (
	ResearchPrompt = "Your task is to collect any information that is needed to respond to the user request. Do not ask again for confirmation, just do it your way. Do not take any extra steps. Write what you have found into markdown notes in the working directory."
	BuildPrompt    = "Your task is to build the project, a static site or a blog post, based on the plan. Strictly follow the plan step-by-step, do not take any extra steps. Do not ask again for confirmation, just do it your way. Your output should be short, talk about what you have done."
	FinalizePrompt = "Your task is to finish the project: assemble the final index.html from the material in the working directory, review it, and fix anything broken. Do not take any extra steps."
)

// BuildRuntimeConfig constructs the runtime configuration document.
// Pure function: same inputs yield the same document.
func BuildRuntimeConfig(models RuntimeModels, secrets RuntimeSecrets) RuntimeDocument {
	ref := func(model string) string {
		return models.Provider + "/" + model
	}

	return RuntimeDocument{
		Provider: map[string]RuntimeProvider{
			models.Provider: {
				APIKey:  secrets.APIKey,
				BaseURL: secrets.BaseURL,
			},
		},
		Agent: map[string]RuntimeAgent{
			"research": {Model: ref(models.Plan), Prompt: ResearchPrompt},
			"build":    {Model: ref(models.Build), Prompt: BuildPrompt},
			"finalize": {Model: ref(models.Build), Prompt: FinalizePrompt},
		},
	}
}

// WriteRuntimeConfig writes the document atomically (temp file + rename) so the
// runtime never observes a partially written document.
func WriteRuntimeConfig(doc RuntimeDocument, path string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".runtime-config-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
