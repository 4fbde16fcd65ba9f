// Command persistdm is the main entry point for the persistdm memory server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/tarnv/persistdm/internal/api"
	"github.com/tarnv/persistdm/internal/config"
	"github.com/tarnv/persistdm/internal/contextbuild"
	"github.com/tarnv/persistdm/internal/health"
	"github.com/tarnv/persistdm/internal/ingest"
	"github.com/tarnv/persistdm/internal/observe"
	"github.com/tarnv/persistdm/internal/resilience"
	"github.com/tarnv/persistdm/internal/search"
	"github.com/tarnv/persistdm/internal/shard"
	"github.com/tarnv/persistdm/internal/world"
	archivepg "github.com/tarnv/persistdm/pkg/archive/postgres"
	"github.com/tarnv/persistdm/pkg/provider/embeddings"
	ollamaembed "github.com/tarnv/persistdm/pkg/provider/embeddings/ollama"
	oaembed "github.com/tarnv/persistdm/pkg/provider/embeddings/openai"
	"github.com/tarnv/persistdm/pkg/provider/llm"
	"github.com/tarnv/persistdm/pkg/provider/llm/anyllm"
	oaillm "github.com/tarnv/persistdm/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "persistdm: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "persistdm: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	slog.Info("persistdm starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "persistdm"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, embedder, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Core state ────────────────────────────────────────────────────────────
	w := world.New(embedder, cfg.WorldConfig())
	w.Graph().SetDanglingSkipHook(func(n int) {
		metrics.DanglingEdgeSkips.Add(context.Background(), int64(n))
	})

	shards, err := shard.NewStore(cfg.Shards.Dir, logger)
	if err != nil {
		slog.Error("failed to open shard store", "err", err)
		return 1
	}

	extractor := llm.NewExtractor(llmProvider, 0)
	ingestMgr := ingest.NewManager(w, extractor, shards, cfg.IngestConfig(), logger, metrics)
	searchEngine := search.NewEngine(w, logger, metrics)
	builder := contextbuild.NewBuilder(w,
		contextbuild.WithMaxFacts(cfg.Context.MaxFacts),
		contextbuild.WithMaxNPCs(cfg.Context.MaxNPCs),
		contextbuild.WithMetrics(metrics),
	)

	// ── Optional Postgres archive ─────────────────────────────────────────────
	probes := []health.Probe{
		{Name: "shards", Check: func(context.Context) error {
			_, err := os.Stat(cfg.Shards.Dir)
			return err
		}},
	}
	if cfg.Archive.PostgresDSN != "" {
		archive, err := archivepg.NewArchive(ctx, cfg.Archive.PostgresDSN, cfg.Archive.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect archive", "err", err)
			return 1
		}
		defer archive.Close()
		w.Memories().SetCommitHook(mirrorHook(archive, logger))
		probes = append(probes, health.Probe{Name: "archive", Check: archive.Ping})
		slog.Info("archive connected", "dimensions", cfg.Archive.EmbeddingDimensions)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		applyConfigChange(w, level, old, updated)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	api.New(api.Config{
		World:      w,
		Search:     searchEngine,
		Builder:    builder,
		Ingest:     ingestMgr,
		Shards:     shards,
		Extractor:  extractor,
		CharBudget: cfg.Context.CharBudget,
		Logger:     logger,
	}).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai talks to the OpenAI API directly; the remaining backends share the
	// any-llm-go pattern of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// buildProviders instantiates the configured LLM and embeddings backends and
// wraps both in circuit breakers so a flapping model server cannot wedge
// ingest or search.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, embeddings.Provider, error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout(),
		},
	}

	llmEntry := cfg.Providers.LLM
	if llmEntry.Name == "" {
		return nil, nil, fmt.Errorf("providers.llm.name is required")
	}
	rawLLM, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", llmEntry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", llmEntry.Name, "model", llmEntry.Model)

	embedEntry := cfg.Providers.Embeddings
	if embedEntry.Name == "" {
		return nil, nil, fmt.Errorf("providers.embeddings.name is required")
	}
	rawEmbed, err := reg.CreateEmbeddings(embedEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create embeddings provider %q: %w", embedEntry.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", embedEntry.Name, "model", embedEntry.Model)

	return resilience.NewLLMFallback(rawLLM, llmEntry.Name, fbCfg),
		resilience.NewEmbeddingsFallback(rawEmbed, embedEntry.Name, fbCfg),
		nil
}

// ── Archive mirroring ─────────────────────────────────────────────────────────

// mirrorHook returns a commit hook that copies each committed memory record
// into the Postgres archive. Mirror failures are logged and never surface to
// the writer: the in-memory store stays the source of truth.
func mirrorHook(archive *archivepg.Archive, logger *slog.Logger) func(world.MemoryRecord) {
	return func(rec world.MemoryRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := archive.Mirror(ctx, archivepg.Record{
			ID:                   rec.ID,
			Type:                 string(rec.Type),
			Text:                 rec.Text,
			Explanation:          rec.Explanation,
			Entities:             rec.Entities,
			Confidence:           rec.Confidence,
			Source:               rec.Source,
			ExplanationEmbedding: rec.ExplanationEmbedding,
			WindowEmbedding:      rec.WindowEmbedding,
			CreatedAt:            rec.CreatedAt,
			UpdatedAt:            rec.UpdatedAt,
		})
		if err != nil {
			logger.Warn("archive mirror failed", "record", rec.ID, "err", err)
		}
	}
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange applies the hot-swappable parts of a config edit: the log
// level and the scoring model. Everything else is reported as needing a
// restart.
func applyConfigChange(w *world.World, level *slog.LevelVar, old, updated *config.Config) {
	diff := config.Diff(old, updated)
	if !diff.Changed() {
		return
	}
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level updated", "level", diff.NewLogLevel)
	}
	if diff.ScoringChanged {
		wc := updated.WorldConfig()
		w.SetScoring(wc.Weights, wc.TypeBonuses, wc.HalfLifeHours, wc.Blend)
		slog.Info("scoring weights updated")
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config sections changed that require a restart", "sections", diff.RestartRequired)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(lvl config.LogLevel, format config.LogFormat) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(slogLevel(lvl))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), level
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
