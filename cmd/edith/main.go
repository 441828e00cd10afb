package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edith/internal/adapter/gateway"
	"edith/internal/adapter/history"
	"edith/internal/adapter/llm"
	"edith/internal/adapter/tool"
	"edith/internal/domain"
	"edith/internal/infra/config"
	"edith/internal/infra/logger"
	"edith/internal/infra/tracer"
	"edith/internal/usecase"
	"edith/internal/usecase/eventbus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	// History backend per config, wrapped by the in-memory store.
	var backend domain.HistoryBackend
	switch cfg.History.Backend {
	case "sqlite":
		sq, err := history.NewSQLiteBackend(cfg.History.Path)
		if err != nil {
			return err
		}
		defer sq.Close()
		backend = sq
	default:
		backend = history.NewFileBackend(cfg.History.Path)
	}
	store := usecase.NewHistoryStore(backend, log)
	defer store.Wait()

	status := tool.NewStatusCollector()
	bundles := buildBundles(cfg, status, log)

	// Optional MCP servers extend categories with bridged tools. The
	// catalog is still fixed before the first request.
	if len(cfg.Tools.MCP) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCP, log)
		if err != nil {
			return err
		}
		defer bridge.Close()
		for cat, tools := range bridge.ToolsByCategory() {
			bundles[cat] = append(bundles[cat], tools...)
		}
	}
	catalog := tool.NewCatalog(bundles, log)

	// Main model behind a circuit breaker; classifier model separate so a
	// misbehaving main model cannot take classification down with it.
	var provider domain.LLMProvider = llm.NewGeminiProvider(cfg.LLM, log)
	if cfg.LLM.CircuitBreaker.Enabled {
		provider = llm.NewCircuitBreakerProvider(provider, cfg.LLM.CircuitBreaker, log)
	}
	completer := llm.NewGeminiCompleter(cfg.LLM, log)

	classifier := usecase.NewClassifier(catalog, completer, bus, log)

	agents := usecase.NewAgentCache(func(tools []domain.Tool) *usecase.Agent {
		return usecase.NewAgent(usecase.AgentDeps{
			LLM:           provider,
			Tools:         usecase.NewToolSet(tools),
			SystemPrompt:  cfg.Agent.SystemPrompt,
			MaxIterations: cfg.Agent.MaxIterations,
			MaxMessages:   cfg.Agent.MaxMessages,
			Logger:        log,
			Bus:           bus,
		})
	}, bus, log)

	router := usecase.NewRouter(classifier, catalog, agents, store, status, bus, log)

	srv := gateway.NewServer(cfg.Gateway, router, bus, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildBundles assembles the category tool map. Services without
// credentials get mock backends so the catalog shape stays stable.
func buildBundles(cfg *config.Config, status *tool.StatusCollector, log *slog.Logger) map[domain.Category][]domain.Tool {
	var jira tool.JiraBackend
	if cfg.Tools.Jira.Token != "" {
		jira = tool.NewHTTPJiraBackend(cfg.Tools.Jira)
	}
	var github tool.GitHubBackend
	if cfg.Tools.GitHub.Token != "" {
		github = tool.NewHTTPGitHubBackend(cfg.Tools.GitHub)
	}
	var figma tool.FigmaBackend
	if cfg.Tools.Figma.Token != "" {
		figma = tool.NewHTTPFigmaBackend(cfg.Tools.Figma)
	}
	var slackBackend tool.SlackBackend
	if cfg.Tools.Slack.BotToken != "" {
		slackBackend = tool.NewAPISlackBackend(cfg.Tools.Slack)
	}
	var audio tool.AudioBackend
	if cfg.Tools.Audio.OpenAIKey != "" || cfg.Tools.Audio.ElevenLabsKey != "" {
		audio = tool.NewHTTPAudioBackend(cfg.Tools.Audio)
	}
	var calendar tool.CalendarBackend
	if cfg.Tools.Calendar.RefreshToken != "" {
		calendar = tool.NewGoogleCalendarBackend(cfg.Tools.Calendar)
	}

	return map[domain.Category][]domain.Tool{
		domain.CategoryJiraRead:    tool.JiraReadTools(jira, log),
		domain.CategoryJiraWrite:   tool.JiraWriteTools(jira, log),
		domain.CategoryGitHubRead:  tool.GitHubReadTools(github, log),
		domain.CategoryGitHubWrite: tool.GitHubWriteTools(github, log),
		domain.CategoryFigma:       tool.FigmaTools(figma, log),
		domain.CategorySystem:      tool.SystemTools(cfg.Tools.System, status, log),
		domain.CategoryAudio:       tool.AudioTools(audio, log),
		domain.CategoryCalendar:    tool.CalendarTools(calendar, log),
		domain.CategorySlack:       tool.SlackTools(slackBackend, log),
		domain.CategoryFiles:       tool.FileTools(cfg.Tools.Files, log),
	}
}
