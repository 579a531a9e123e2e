package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/voicebridge/internal/config"
	"github.com/teslashibe/voicebridge/pkg/assembler"
	"github.com/teslashibe/voicebridge/pkg/inference"
	"github.com/teslashibe/voicebridge/pkg/knowledge"
	"github.com/teslashibe/voicebridge/pkg/memory"
	"github.com/teslashibe/voicebridge/pkg/memory/postgres"
	"github.com/teslashibe/voicebridge/pkg/realtime"
	"github.com/teslashibe/voicebridge/pkg/registry"
	"github.com/teslashibe/voicebridge/pkg/session"
	"github.com/teslashibe/voicebridge/pkg/strategy"
	"github.com/teslashibe/voicebridge/pkg/voicecmd"
	"github.com/teslashibe/voicebridge/pkg/web"
)

const healthTimeout = 5 * time.Second

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *memory.Manager
	registry *registry.Registry
	sessions *session.Handler
	server   *web.Server
}

func wireApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	client, err := inference.NewClient(
		inference.WithBaseURL(cfg.OpenAI.BaseURL),
		inference.WithAPIKey(cfg.OpenAI.APIKey),
		inference.WithModel(cfg.Memory.SummaryModel),
		inference.WithEmbedModel(cfg.Knowledge.EmbedModel),
		inference.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("wire inference client: %w", err)
	}
	if err := checkInference(ctx, client, logger); err != nil {
		return nil, err
	}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("wire memory repository: %w", err)
	}
	store := memory.NewManager(repo,
		memory.NewLLMSummarizer(client, cfg.Memory.SummaryModel, cfg.Memory.SummaryPrompt),
		memory.WithCharLimit(cfg.Memory.CharLimit),
		memory.WithLogger(logger),
	)

	retriever, tone, err := loadKnowledge(ctx, cfg, client, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("wire knowledge: %w", err)
	}

	asm := assembler.New(store, retriever, tone, assembler.Config{
		CharLimit:   cfg.Memory.CharLimit,
		ResultCount: cfg.Knowledge.ResultCount,
		ToneStyle:   cfg.Prompt.ToneStyle,
		Logger:      logger,
	})

	commands := voicecmd.New(store, voicecmd.Config{
		Modalities: cfg.Realtime.Modalities,
		Logger:     logger,
	})

	rtCfg := realtime.DefaultConfig().Clone(
		realtime.WithAPIKey(cfg.OpenAI.APIKey),
		realtime.WithURL(cfg.OpenAI.RealtimeURL),
		realtime.WithModel(cfg.Realtime.Model),
		realtime.WithVoice(cfg.Realtime.Voice),
		realtime.WithModalities(cfg.Realtime.Modalities...),
		realtime.WithAudioFormat(cfg.Realtime.AudioFormat),
		realtime.WithTemperature(cfg.Realtime.Temperature),
		realtime.WithTranscriptionModel(cfg.Realtime.TranscriptionModel),
		realtime.WithTurnDetection(realtime.TurnDetection{
			Type:            cfg.TurnDetection.Type,
			Threshold:       cfg.TurnDetection.Threshold,
			SilenceMs:       cfg.TurnDetection.SilenceMs,
			PrefixPaddingMs: cfg.TurnDetection.PrefixPaddingMs,
		}),
		realtime.WithConnectTimeout(cfg.Realtime.ConnectTimeout),
		realtime.WithPingInterval(cfg.Realtime.PingInterval),
		realtime.WithResultCount(cfg.Knowledge.ResultCount),
		realtime.WithLogger(logger),
	)
	if err := rtCfg.Validate(); err != nil {
		store.Close()
		return nil, err
	}

	bridgeDeps := realtime.Deps{Memory: store, Commands: commands, Retriever: asm.Retriever()}
	dial := func(userID, instructions, toolChoice string) (session.Upstream, error) {
		b, err := realtime.New(rtCfg.Clone(
			realtime.WithInstructions(instructions),
			realtime.WithToolChoice(toolChoice),
		), userID, bridgeDeps)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	defaultStrategy, err := strategy.Parse(cfg.Session.DefaultStrategy)
	if err != nil {
		store.Close()
		return nil, err
	}

	reg := registry.New(logger)
	sessions, err := session.NewHandler(session.Config{
		SystemPrompt:    cfg.Prompt.System,
		ToneStyle:       cfg.Prompt.ToneStyle,
		Model:           cfg.Realtime.Model,
		DefaultStrategy: defaultStrategy,
		CleanupTimeout:  cfg.Session.CleanupTimeout,
		Logger:          logger,
	}, session.Deps{
		Registry:  reg,
		Assembler: asm,
		Dial:      dial,
		Memory:    store,
		Prompts:   store,
		Commands:  commands,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	server := web.New(web.Config{
		Version:      version,
		RequestLog:   cfg.Server.RequestLog,
		AllowOrigins: cfg.Server.AllowOrigins,
		WriteTimeout: cfg.Server.WriteTimeout,
		Logger:       logger,
	}, reg, sessions)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: reg,
		sessions: sessions,
		server:   server,
	}, nil
}

// checkInference fails on a rejected API key and only warns when the API is
// unreachable.
func checkInference(ctx context.Context, client *inference.Client, logger *slog.Logger) error {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	err := client.Health(hctx)
	if err == nil {
		return nil
	}
	var apiErr *inference.APIError
	if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
		return fmt.Errorf("openai api key rejected: %w", err)
	}
	logger.Warn("inference api health check failed", "error", err)
	return nil
}

// openRepository picks Postgres when a database URL is set, else the
// in-process store with an optional JSON snapshot.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (memory.Repository, error) {
	switch {
	case cfg.Memory.DatabaseURL != "":
		if cfg.Memory.AutoMigrate {
			if err := postgres.Migrate(ctx, cfg.Memory.DatabaseURL); err != nil {
				return nil, err
			}
		}
		return postgres.Open(ctx, cfg.Memory.DatabaseURL, logger)
	case cfg.Memory.SnapshotPath != "":
		logger.Info("using in-process memory with snapshot", "path", cfg.Memory.SnapshotPath)
		return memory.NewLocalWithSnapshot(memory.NewJSONFile(cfg.Memory.SnapshotPath))
	default:
		logger.Warn("no memory.database_url set, memory will not survive restarts")
		return memory.NewLocal(), nil
	}
}

// loadKnowledge reads the corpus and tone library when configured. Embedding
// failures at startup are logged; the indexes build lazily on first query.
func loadKnowledge(ctx context.Context, cfg *config.Config, embedder knowledge.Embedder, logger *slog.Logger) (knowledge.Retriever, knowledge.ToneSource, error) {
	var (
		retriever knowledge.Retriever
		tone      knowledge.ToneSource
	)
	opts := []knowledge.IndexOption{
		knowledge.WithEmbedModel(cfg.Knowledge.EmbedModel),
		knowledge.WithLogger(logger),
	}

	if cfg.Knowledge.CorpusPath != "" {
		docs, err := knowledge.LoadCorpus(cfg.Knowledge.CorpusPath)
		if err != nil {
			return nil, nil, err
		}
		ix := knowledge.NewIndex(embedder, docs, opts...)
		if err := ix.Build(ctx); err != nil {
			logger.Warn("knowledge index build deferred", "error", err)
		}
		logger.Info("knowledge corpus loaded", "documents", ix.Len())
		retriever = ix
	} else {
		logger.Info("no knowledge.corpus_path set, retrieval disabled")
	}

	if cfg.Knowledge.TonePath != "" {
		lib, err := knowledge.LoadToneLibrary(cfg.Knowledge.TonePath, embedder, opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := lib.Build(ctx); err != nil {
			logger.Warn("tone library build deferred", "error", err)
		}
		logger.Info("tone library loaded", "snippets", lib.Len())
		tone = lib
	}

	return retriever, tone, nil
}
