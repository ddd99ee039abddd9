package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/osa-ai/osa/internal/agent"
	"github.com/osa-ai/osa/internal/budget"
	"github.com/osa-ai/osa/internal/bus"
	"github.com/osa-ai/osa/internal/commands"
	"github.com/osa-ai/osa/internal/compaction"
	"github.com/osa-ai/osa/internal/config"
	"github.com/osa-ai/osa/internal/gateway"
	"github.com/osa-ai/osa/internal/hooks"
	"github.com/osa-ai/osa/internal/learning"
	"github.com/osa-ai/osa/internal/memory"
	"github.com/osa-ai/osa/internal/multiagent"
	"github.com/osa-ai/osa/internal/observability"
	"github.com/osa-ai/osa/internal/providers"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/internal/sidecar"
	"github.com/osa-ai/osa/internal/signal"
	"github.com/osa-ai/osa/internal/tools"
	"github.com/osa-ai/osa/pkg/models"
)

// systemPrompt is the core identity of the agent.
const systemPrompt = `You are OSA, an autonomous assistant. You reason step by step, use the available tools when they help, and answer plainly when they do not. Keep responses concise and concrete.`

// app owns the assembled runtime.
type app struct {
	cfg    *config.Config
	logger *observability.Logger
	server *gateway.Server
	loop   *agent.Loop
	budget *budget.Tracker

	sidecars *sidecar.Manager
	sessionIndex *sessions.Index
}

// newApp wires every subsystem following the data flow: bus at the
// bottom, classifier and memory feeding the loop, hooks around tool
// dispatch, orchestrator and swarm above the loop, gateway on top.
func newApp(cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	metrics := observability.NewMetrics()

	eventBus := bus.New(logger.Slog(),
		bus.WithPublishObserver(func(topic string) {
			metrics.BusPublished.WithLabelValues(topic).Inc()
		}),
		bus.WithDropObserver(func(topic string) {
			metrics.BusDropped.WithLabelValues(topic).Inc()
		}),
	)

	spendTracker := budget.NewTracker(budget.Limits{
		PerCallUSD: cfg.PerCallLimitUSD,
		DailyUSD:   cfg.DailyBudgetUSD,
		MonthlyUSD: cfg.MonthlyBudgetUSD,
	}, logger.Slog(),
		budget.WithMetricsDir(filepath.Join(cfg.DataDir, "metrics")),
		budget.WithObserver(func(provider, model string, usd float64) {
			metrics.BudgetSpendUSD.WithLabelValues(provider, model).Add(usd)
		}),
	)

	sidecars := sidecar.NewManager(logger.Slog(),
		sidecar.WithPublisher(eventBus.Publish),
		sidecar.WithObserver(func(capability, status string) {
			metrics.SidecarDispatches.WithLabelValues(capability, status).Inc()
		}),
	)
	tokenizer := sidecar.NewTokenizer(sidecars)

	chain, err := buildProviderChain(cfg, logger)
	if err != nil {
		return nil, err
	}

	classifier := signal.New(signal.Config{}, logger.Slog(),
		signal.WithLLM(chain),
		signal.WithObserver(func(tier models.ClassifierTier, mode models.Mode) {
			metrics.SignalsClassified.WithLabelValues(string(tier), string(mode)).Inc()
		}),
		signal.WithCacheObserver(func(hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			metrics.SignalCacheHits.WithLabelValues(result).Inc()
		}),
	)
	noise := signal.NewNoiseFilter(cfg.NoiseFilterThreshold)

	memStore := memory.NewStore(filepath.Join(cfg.DataDir, "MEMORY.md"), logger.Slog())
	if err := memStore.Load(); err != nil {
		return nil, fmt.Errorf("load long-term memory: %w", err)
	}

	sessionIndex, err := sessions.OpenIndex(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return nil, err
	}
	sessionStore := sessions.NewJSONLStore(cfg.DataDir, sessionIndex, logger.Slog())

	learningStore := learning.NewStore(filepath.Join(cfg.DataDir, "learning"), logger.Slog())

	hookRegistry := hooks.NewRegistry(logger.Slog())
	hookRegistry.SetObserver(func(event hooks.Event, outcome string, elapsed time.Duration) {
		metrics.HookRuns.WithLabelValues(string(event), outcome).Inc()
		metrics.HookDuration.WithLabelValues(string(event)).Observe(elapsed.Seconds())
	})
	hooks.RegisterBuiltins(hookRegistry, hooks.BuiltinDeps{
		Spend:        spendTracker,
		Costs:        spendTracker,
		Episodes:     learningStore,
		Consolidator: learningStore,
		Publish:      eventBus.Publish,
		Logger:       logger.Slog(),
	})

	compactor := compaction.New(compaction.Thresholds{
		Breakpoint: 0.50,
		Warning:    cfg.Compaction.Warn,
		Needed:     cfg.Compaction.Aggressive,
		Critical:   cfg.Compaction.Emergency,
	}, logger.Slog(),
		compaction.WithSummarizer(func(ctx context.Context, group []*models.Message) (string, error) {
			var b strings.Builder
			for _, m := range group {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
			}
			return chain.CompleteText(ctx, "Summarize this conversation fragment in 2-3 sentences, keeping decisions and open questions.", b.String(), 300)
		}),
		compaction.WithObserver(func(state compaction.PressureState) {
			metrics.CompactionRuns.WithLabelValues(string(state)).Inc()
		}),
	)

	registry := agent.NewToolRegistry()
	workspace := filepath.Join(cfg.DataDir, "workspace")
	if err := tools.RegisterBuiltins(registry, workspace, memStore); err != nil {
		return nil, err
	}

	loop := agent.NewLoop(agent.Deps{
		Provider:     chain,
		Registry:     registry,
		Sessions:     sessionStore,
		Locker:       sessions.NewLocker(),
		Hooks:        hookRegistry,
		Bus:          eventBus,
		Classifier:   classifier,
		Noise:        noise,
		Memory:       memStore,
		Compactor:    compactor,
		Tokens:       tokenizer,
		Costs:        spendTracker,
		Tracer:       observability.NewTracer(),
		Logger:       logger.Slog(),
		SystemPrompt: systemPrompt,
	}, agent.LoopConfig{
		MaxIterations:          cfg.MaxIterations,
		MaxTokens:              4096,
		ReservedResponseTokens: 4096,
		MemoryRecallTokens:     1500,
		HistoryLimit:           100,
	})

	orchestrator := multiagent.NewOrchestrator(
		multiagent.NewLoopWorker(loop),
		eventBus.Publish,
		logger.Slog(),
		multiagent.WithObserver(func(status string) {
			metrics.OrchestratorTasks.WithLabelValues(status).Inc()
		}),
	)
	swarms := multiagent.NewSwarmManager(multiagent.NewLoopSwarmWorker(loop), eventBus.Publish, logger.Slog())

	cmdRegistry := commands.NewRegistry()
	commands.RegisterBuiltins(cmdRegistry, commands.BuiltinDeps{
		Version:  version,
		Provider: cfg.DefaultProvider,
		Model:    providerModel(cfg),
		Sessions: sessionStore,
		Memory:   memStore,
		Budget:   spendTracker,
		Sidecars: sidecars,
	})

	server := gateway.NewServer(gateway.ServerDeps{
		Config:       cfg,
		Version:      version,
		Loop:         loop,
		Classifier:   classifier,
		Registry:     registry,
		Sessions:     sessionStore,
		Memory:       memStore,
		Orchestrator: orchestrator,
		Swarms:       swarms,
		Commands:     cmdRegistry,
		Budget:       spendTracker,
		Sidecars:     sidecars,
		Bus:          eventBus,
		Logger:       logger.Slog(),
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		server:       server,
		loop:         loop,
		budget:       spendTracker,
		sidecars:     sidecars,
		sessionIndex: sessionIndex,
	}, nil
}

// buildProviderChain constructs the fallback chain from config.
func buildProviderChain(cfg *config.Config, logger *observability.Logger) (*agent.FailoverChain, error) {
	var chain []agent.LLMProvider
	for _, id := range cfg.ProviderChain() {
		pc := cfg.Providers[id]
		switch id {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.Model,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", id, err)
			}
			chain = append(chain, p)
		case "openai":
			p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.Model,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", id, err)
			}
			chain = append(chain, p)
		default:
			return nil, fmt.Errorf("unknown provider id %q", id)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no providers configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return agent.NewFailoverChain(chain, agent.DefaultFailoverConfig(), logger.Slog()), nil
}

func providerModel(cfg *config.Config) string {
	if pc, ok := cfg.Providers[cfg.DefaultProvider]; ok {
		return pc.Model
	}
	return ""
}

// Run starts background workers and serves HTTP until ctx cancels.
func (a *app) Run(ctx context.Context) error {
	a.sidecars.StartPoller(ctx)
	defer a.sidecars.StopPoller()
	defer func() {
		if err := a.budget.Flush(); err != nil {
			a.logger.Slog().Warn("budget flush failed", "error", err)
		}
		_ = a.sessionIndex.Close()
	}()

	return a.server.Start(ctx)
}
