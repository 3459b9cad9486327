package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration file. Values here override the
// built-in defaults; environment variables override both.
type File struct {
	LLM struct {
		BaseURL    string `yaml:"base_url"`
		APIKey     string `yaml:"api_key"`
		PlanModel  string `yaml:"plan_model"`
		BuildModel string `yaml:"build_model"`
		Provider   string `yaml:"provider"`
	} `yaml:"llm"`

	Pipeline struct {
		MaxPlanSteps int `yaml:"max_plan_steps"`
		MaxBatchSize int `yaml:"max_batch_size"`
		PlanRetries  int `yaml:"plan_retries"`
	} `yaml:"pipeline"`

	Sandbox struct {
		Binary          string        `yaml:"binary"`
		ReadyTimeout    time.Duration `yaml:"ready_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"sandbox"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Defaults returns a File populated with the built-in defaults.
func Defaults() File {
	var f File
	f.Pipeline.MaxPlanSteps = 15
	f.Pipeline.MaxBatchSize = 4
	f.Pipeline.PlanRetries = 3
	f.Sandbox.ReadyTimeout = 60 * time.Second
	f.Sandbox.ShutdownTimeout = 5 * time.Second
	f.Server.Addr = ":8088"
	return f
}

// Load reads the YAML config file at path, layered over the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (File, error) {
	f := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}

	if f.Pipeline.MaxPlanSteps <= 0 {
		f.Pipeline.MaxPlanSteps = 15
	}
	if f.Pipeline.MaxBatchSize <= 0 {
		f.Pipeline.MaxBatchSize = 4
	}
	if f.Pipeline.PlanRetries <= 0 {
		f.Pipeline.PlanRetries = 3
	}
	if f.Sandbox.ReadyTimeout <= 0 {
		f.Sandbox.ReadyTimeout = 60 * time.Second
	}
	if f.Sandbox.ShutdownTimeout <= 0 {
		f.Sandbox.ShutdownTimeout = 5 * time.Second
	}

	return f, nil
}
