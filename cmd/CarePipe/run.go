package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/crisis"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/habit"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/retrieval"
	"github.com/BTreeMap/CarePipe/internal/scheduler"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/websearch"
)

// shutdownTimeout bounds draining of in-flight turns and scheduled jobs.
const shutdownTimeout = 20 * time.Second

// run wires the modules together and blocks until ctx is done or a
// long-running component fails.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	slog.Info("Store opened", "backend", storeKind(*flags.dbDSN))

	gen, emb := buildBackends(ctx, config, flags)
	gateway := genai.NewGateway(gen, emb, buildGatewayConfig(config))

	prompts, err := flow.LoadPrompts(*flags.promptsDir)
	if err != nil {
		return err
	}

	var lexicon *crisis.Lexicon
	if *flags.lexicon != "" {
		if lexicon, err = crisis.LoadLexicon(*flags.lexicon); err != nil {
			return fmt.Errorf("failed to load risk lexicon: %w", err)
		}
	}
	evaluator := crisis.NewEvaluator(gateway, lexicon, buildCrisisConfig(config), crisis.WithSystemPrompt(prompts.Crisis))

	index := retrieval.NewIndex(nil)
	var reloader scheduler.Reloader
	if *flags.catalog != "" {
		catalog := retrieval.NewCatalog(*flags.catalog, gateway, index)
		if err := catalog.Reload(ctx); err != nil {
			slog.Warn("Resource catalog not loaded, continuing with an empty index", "path", *flags.catalog, "error", err)
		}
		watcher, err := retrieval.NewWatcher(catalog)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
		reloader = catalog
	} else {
		slog.Warn("No resource catalog configured; resource requests fall back to web search")
	}
	matcher := retrieval.NewMatcher(index, gateway, buildMatcherConfig(config))

	searcher, err := websearch.New(*flags.searchBackend, buildSearchOptions(config)...)
	if err != nil {
		slog.Warn("Web search unavailable", "backend", *flags.searchBackend, "error", err)
		searcher = nil
	}

	cache := buildProposalCache(flags, config)
	if closer, ok := cache.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	engine := habit.NewEngine(gateway, st, cache, habit.Config{}, habit.WithSystemPrompt(prompts.Habit))

	specialists := []flow.Specialist{
		flow.NewIntakeSpecialist(gateway, prompts),
		flow.NewCrisisSpecialist(index),
		flow.NewResourceSpecialist(matcher, searcher),
		flow.NewHabitSpecialist(engine),
	}
	coordinator := flow.NewCoordinator(evaluator, specialists, st, flow.Config{TurnTimeout: *flags.turnTimeout})

	sender := store.NewOutboxSender(st, notify.SendFunc(buildNotifier(config)), store.DefaultOutboxPollInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale crisis alerts", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := scheduler.RegisterMaintenance(sched, buildMaintenanceConfig(flags), coordinator, engine, reloader); err != nil {
		sched.Stop(context.Background())
		return err
	}

	server := api.NewServer(coordinator, engine, buildAPIOptions(flags)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sender.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	runErr := g.Wait()

	slog.Info("Shutting down CarePipe")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator shutdown: %w", err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	return errors.Join(append([]error{runErr}, errs...)...)
}

// ensureDirectoriesExist creates the directory of a file-based database
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating directory for file-based database", "dir", dir)
	return os.MkdirAll(dir, 0o755)
}

// buildBackends selects the generation and embedding backends. A backend
// that cannot be configured is left nil; the gateway then reports it as
// unavailable and turns run degraded on the lexical fail-safe.
func buildBackends(ctx context.Context, config Config, flags Flags) (genai.Generator, genai.Embedder) {
	var openaiClient *genai.Client
	openai := func() *genai.Client {
		if openaiClient != nil {
			return openaiClient
		}
		c, err := genai.NewClient(buildGenAIOptions(config, flags)...)
		if err != nil {
			slog.Warn("OpenAI-compatible client not configured", "error", err)
			return nil
		}
		openaiClient = c
		return c
	}

	var gen genai.Generator
	switch *flags.genaiBackend {
	case "ark":
		g, err := genai.NewArkGenerator(ctx, genai.ArkConfig{APIKey: config.ArkAPIKey, Model: config.ArkModel, BaseURL: config.ArkBaseURL})
		if err != nil {
			slog.Warn("Ark generator not configured", "error", err)
		} else {
			gen = g
		}
	case "", "openai":
		if c := openai(); c != nil {
			gen = c
		}
	default:
		slog.Warn("Unknown generation backend", "backend", *flags.genaiBackend)
	}

	var emb genai.Embedder
	switch *flags.embeddingBackend {
	case "gemini":
		e, err := genai.NewGeminiEmbedder(ctx, config.GeminiAPIKey, config.EmbeddingModel)
		if err != nil {
			slog.Warn("Gemini embedder not configured", "error", err)
		} else {
			emb = e
		}
	case "", "openai":
		if c := openai(); c != nil {
			emb = c
		}
	default:
		slog.Warn("Unknown embedding backend", "backend", *flags.embeddingBackend)
	}

	if gen == nil {
		slog.Warn("No generation backend available; crisis screening is lexical only")
	}
	return gen, emb
}

// buildProposalCache returns the Redis cache when configured and reachable,
// the in-memory cache otherwise.
func buildProposalCache(flags Flags, config Config) habit.ProposalCache {
	if *flags.redisAddr == "" {
		return habit.NewMemoryProposalCache()
	}
	c, err := habit.NewRedisProposalCache(habit.RedisConfig{Addr: *flags.redisAddr, Password: config.RedisPassword})
	if err != nil {
		slog.Warn("Redis unavailable, using in-memory proposal cache", "addr", *flags.redisAddr, "error", err)
		return habit.NewMemoryProposalCache()
	}
	slog.Info("Using Redis proposal cache", "addr", *flags.redisAddr)
	return c
}

// buildNotifier returns the Twilio SMS notifier when credentials are present,
// the log notifier otherwise.
func buildNotifier(config Config) notify.Notifier {
	if config.TwilioAccountSID == "" {
		slog.Warn("Twilio not configured; crisis alerts are written to the log")
		return notify.LogNotifier{}
	}
	n, err := notify.NewTwilioNotifier(buildTwilioOptions(config)...)
	if err != nil {
		slog.Error("Twilio notifier misconfigured; crisis alerts are written to the log", "error", err)
		return notify.LogNotifier{}
	}
	return n
}
