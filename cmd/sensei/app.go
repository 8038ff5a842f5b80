package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sensei/internal/adapter/agent"
	"sensei/internal/adapter/gateway"
	"sensei/internal/adapter/llm"
	"sensei/internal/adapter/memory/vector"
	"sensei/internal/adapter/tool"
	"sensei/internal/adapter/tui/chat"
	"sensei/internal/domain"
	"sensei/internal/infra/config"
	"sensei/internal/usecase/multiagent"
	"sensei/internal/usecase/routing"
)

// specialistPrompt maps a category to its key in the prompts file.
type specialistPrompt struct {
	category domain.Category
	key      string
	fallback string
}

var specialistPrompts = []specialistPrompt{
	{domain.CategoryRed, "red_team", "SYSTEM: You are a Red Team Operator."},
	{domain.CategoryBlue, "blue_team", "SYSTEM: You are a Blue Team Analyst."},
	{domain.CategoryCloud, "cloud", "SYSTEM: You are a Cloud Security Architect."},
	{domain.CategoryCrypto, "crypto", "SYSTEM: You are a Cryptographer."},
	{domain.CategoryOSINT, "osint", "SYSTEM: You are an Intelligence Officer."},
	{domain.CategoryCasual, "casual", "SYSTEM: You are Sensei."},
	{domain.CategoryNovice, "novice", "SYSTEM: You are a Teacher."},
}

const defaultMasterPrompt = "SYSTEM: You are SENSEI."

// app is the assembled engine shared by every subcommand.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	model      domain.LanguageModel
	store      *vector.Store
	registry   *multiagent.Registry
	dispatcher *multiagent.Dispatcher
	router     *routing.Router
	reconciler *multiagent.Reconciler
	watcher    *multiagent.Watcher
}

// newApp opens the store and model backends and assembles the engine.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	store, err := vector.Open(cfg.Memory.DatabasePath, log)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	model, err := llm.Build(ctx, cfg.LLM, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("llm: %w", err)
	}
	a, err := assemble(cfg, model, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// assemble wires handlers, dispatcher, router and extension reconciliation
// around an already constructed model and store.
func assemble(cfg *config.Config, model domain.LanguageModel, store *vector.Store, log *slog.Logger) (*app, error) {
	prompts, err := config.LoadPrompts(cfg.Prompts.Path)
	if err != nil {
		log.Warn("using default prompts", "path", cfg.Prompts.Path, "error", err)
		prompts = nil
	}

	shell := tool.NewLocalShellBackend(cfg.Tools.ShellTimeout)
	perMin := cfg.Tools.CallsPerMinute
	systemTool := tool.Limit(tool.NewSystemTool(shell, cfg.Tools.MaxOutputBytes, log), perMin, time.Minute)
	nmapTool := tool.Limit(tool.NewNmapTool(shell, cfg.Tools.NmapPath, log), perMin, time.Minute)
	systemTools, err := tool.NewRegistry(systemTool)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	actionTools, err := tool.NewRegistry(nmapTool)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	registry := multiagent.NewRegistry(log)
	master := prompts.Get("master", defaultMasterPrompt)
	for _, sp := range specialistPrompts {
		sc := agent.SpecialistConfig{Category: sp.category, Prompt: prompts.Get(sp.key, sp.fallback)}
		if sp.category == domain.CategoryRed {
			sc.MasterPrompt = master
			sc.Unfiltered = true
		}
		registry.Register(agent.NewSpecialist(model, sc, log))
	}
	registry.Register(agent.NewToolExecutor(domain.CategorySystem, model, systemTools, log))
	registry.Register(agent.NewToolExecutor(domain.CategoryAction, model, actionTools, log))

	dispatcher := multiagent.NewDispatcher(registry, multiagent.DispatcherConfig{
		MaxDepth:         cfg.Dispatcher.MaxDepth,
		HandlerTimeout:   cfg.Dispatcher.HandlerTimeout,
		DefaultCategory:  domain.NewCategory(cfg.Dispatcher.DefaultCategory),
		StrictDelegation: cfg.Dispatcher.StrictDelegation,
	}, log)

	opts := []routing.Option{routing.WithExtensions(registry), routing.WithLogger(log)}
	if cfg.Router.Cache && store != nil {
		opts = append(opts, routing.WithCache(store))
	}
	router := routing.NewRouter(model, routing.Config{
		Prompt:              prompts.Get("router", routing.DefaultPrompt),
		CacheThreshold:      cfg.Router.CacheThreshold,
		CorrectionThreshold: cfg.Router.CorrectionThreshold,
		DisableFastPath:     !cfg.Router.FastPath,
	}, opts...)

	reconciler := multiagent.NewReconciler(registry, agent.NewMCPLauncher(model, cfg.MCP.CallTimeout, log), log)
	settingsPath := cfg.MCP.SettingsPath
	watcher := multiagent.NewWatcher(settingsPath, func() ([]multiagent.ExtensionSpec, error) {
		s, err := config.LoadMCPSettings(settingsPath)
		if err != nil {
			return nil, err
		}
		return extensionSpecs(s), nil
	}, reconciler, multiagent.WatcherConfig{
		PollInterval:  cfg.MCP.PollInterval,
		DisableNotify: !cfg.MCP.Watch,
	}, log)

	return &app{
		cfg:        cfg,
		logger:     log,
		model:      model,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		router:     router,
		reconciler: reconciler,
		watcher:    watcher,
	}, nil
}

// extensionSpecs converts the enabled servers in s, in name order.
func extensionSpecs(s *config.MCPSettings) []multiagent.ExtensionSpec {
	names := s.Enabled()
	specs := make([]multiagent.ExtensionSpec, 0, len(names))
	for _, name := range names {
		srv := s.Servers[name]
		specs = append(specs, multiagent.ExtensionSpec{
			Name:    name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
		})
	}
	return specs
}

// loadExtensions runs one reconciliation pass for commands that do not
// keep watching. A missing settings file is not an error.
func (a *app) loadExtensions(ctx context.Context) {
	res, err := a.watcher.Sync(ctx)
	if err != nil {
		return
	}
	for name, ferr := range res.Failed {
		a.logger.Warn("extension failed to start", "name", name, "error", ferr)
	}
}

// ask routes input unless category is set, then dispatches it.
func (a *app) ask(ctx context.Context, input string, category domain.Category) (chat.Reply, error) {
	if err := ctx.Err(); err != nil {
		return chat.Reply{}, err
	}
	if category != "" {
		return chat.Reply{Category: category, Text: a.dispatcher.Dispatch(ctx, category, input)}, nil
	}
	c := a.router.Explain(ctx, input)
	text := a.dispatcher.Dispatch(ctx, c.Decision.Category, c.Decision.Query)
	return chat.Reply{Category: c.Decision.Category, Tier: string(c.Tier), Text: text}, ctx.Err()
}

func (a *app) gateway() *gateway.Server {
	deps := gateway.Deps{
		Router:     a.router,
		Dispatcher: a.dispatcher,
		RAGTopK:    a.cfg.Memory.RAGTopK,
		Logger:     a.logger,
	}
	if a.store != nil {
		deps.Embedder, deps.Knowledge = a.model, a.store
	}
	g := a.cfg.Gateway
	return gateway.NewServer(deps, gateway.Options{
		Addr:           g.Addr,
		ReadTimeout:    g.ReadTimeout,
		WriteTimeout:   g.WriteTimeout,
		RequestsPerMin: g.RequestsPerMin,
		BurstSize:      g.BurstSize,
		AuthToken:      g.AuthToken,
	})
}

// Close stops extension processes and closes the store.
func (a *app) Close() error {
	a.watcher.Stop()
	var errs []error
	if err := a.reconciler.Close(); err != nil {
		errs = append(errs, fmt.Errorf("extensions: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		}
	}
	return errors.Join(errs...)
}
