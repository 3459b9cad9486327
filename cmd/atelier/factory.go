// Package main dependency wiring shared by the subcommands.
package main

import (
	"fmt"

	"github.com/joss/atelier/internal/config"
	"github.com/joss/atelier/internal/events"
	"github.com/joss/atelier/internal/pipeline"
	"github.com/joss/atelier/internal/plan"
	"github.com/joss/atelier/internal/provider"
	"github.com/joss/atelier/internal/task"
)

// deps holds everything a subcommand needs.
type deps struct {
	cfg    config.File
	store  *task.Store
	bus    *events.Bus
	runner *pipeline.Runner
}

// buildDeps loads configuration (file, then environment overrides) and
// wires the store and runner. Callers must Close the store.
func buildDeps() (*deps, error) {
	paths := config.GetPaths()
	if err := config.EnsureDirs(paths); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	env := config.Env()
	if env.LLMBaseURL != "" {
		cfg.LLM.BaseURL = env.LLMBaseURL
	}
	if env.LLMAPIKey != "" {
		cfg.LLM.APIKey = env.LLMAPIKey
	}
	if env.PlanModel != "" {
		cfg.LLM.PlanModel = env.PlanModel
	}
	if env.BuildModel != "" {
		cfg.LLM.BuildModel = env.BuildModel
	}
	if env.ProviderID != "" {
		cfg.LLM.Provider = env.ProviderID
	}
	if env.RuntimeBinary != "" {
		cfg.Sandbox.Binary = env.RuntimeBinary
	}

	bus := events.NewBus()
	store, err := task.NewStore(paths.Data, bus)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	llmProvider := provider.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	runner := pipeline.NewRunner(store, plan.NewGenerator(llmProvider), bus, pipeline.Options{
		Workspace:    paths.Workspace,
		Diagnostics:  paths.Diagnostics,
		Binary:       cfg.Sandbox.Binary,
		ProviderID:   cfg.LLM.Provider,
		PlanModel:    cfg.LLM.PlanModel,
		BuildModel:   cfg.LLM.BuildModel,
		LLMAPIKey:    cfg.LLM.APIKey,
		LLMBaseURL:   cfg.LLM.BaseURL,
		MaxBatchSize: cfg.Pipeline.MaxBatchSize,
		MaxPlanSteps: cfg.Pipeline.MaxPlanSteps,
	})

	return &deps{cfg: cfg, store: store, bus: bus, runner: runner}, nil
}

func (d *deps) Close() {
	d.store.Close()
}
