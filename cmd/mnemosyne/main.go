package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemosyne/internal/agent"
	"github.com/nidhogg/mnemosyne/internal/api"
	"github.com/nidhogg/mnemosyne/internal/config"
	"github.com/nidhogg/mnemosyne/internal/embedding"
	"github.com/nidhogg/mnemosyne/internal/gateway"
	"github.com/nidhogg/mnemosyne/internal/graph"
	"github.com/nidhogg/mnemosyne/internal/ltm"
	"github.com/nidhogg/mnemosyne/internal/provider"
	"github.com/nidhogg/mnemosyne/internal/reflection"
	"github.com/nidhogg/mnemosyne/internal/session"
	"github.com/nidhogg/mnemosyne/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting mnemosyne...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/mnemosyne.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Providers by role. The gateway falls back to backup when primary fails.
	var primary, backup provider.Provider
	var rateLimit float64
	for _, pc := range cfg.Providers {
		p := buildProvider(pc, logger)
		if p == nil {
			continue
		}
		switch pc.Role {
		case "backup":
			backup = p
		default:
			primary = p
			rateLimit = pc.RateLimitRPS
		}
	}
	if primary == nil {
		logger.Fatal("no primary provider configured")
	}

	var limiter provider.Limiter
	if cfg.Database.Redis.URL != "" {
		rl, rlErr := provider.NewRedisLimiter(cfg.Database.Redis.URL, "mnemosyne:llm", rateLimit)
		if rlErr != nil {
			logger.Warn("redis limiter unavailable, pacing in-process", zap.Error(rlErr))
		} else {
			limiter = rl
		}
	}
	if limiter == nil {
		limiter = provider.NewIntervalLimiter(rateLimit)
	}
	llm := provider.NewGateway(primary, backup, limiter, 0, logger)

	embedder := buildEmbedder(cfg.Embedding)

	qdrant, err := vectorstore.NewClient(vectorstore.Config{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
	if err != nil {
		logger.Fatal("qdrant connect failed", zap.Error(err))
	}
	defer qdrant.Close()

	store := ltm.NewStore(vectorstore.NewIndexAdapter(qdrant), embedder, logger)
	if err := store.Init(context.Background()); err != nil {
		logger.Fatal("memory store init failed", zap.Error(err))
	}

	mind := graph.NewManager(cfg.Graph.PageRankAlpha, cfg.Graph.PageRankIterations, logger)
	if err := mind.Load(cfg.Graph.Path); err != nil {
		logger.Fatal("graph load failed", zap.Error(err))
	}

	extractor := ltm.NewExtractor(llm, logger)
	curator := ltm.NewCurator(store, mind, cfg.Memory.ConceptNeighbors, cfg.Memory.AssociativeThreshold, logger)

	var sessions *session.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := session.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without transcripts", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			sessions = ps
			defer ps.Close()
		}
	}

	engine := reflection.NewEngine(store, llm, extractor, curator, mind, reflection.Config{
		MinAccessCount:  cfg.Reflection.MinAccessCount,
		ClusterSize:     cfg.Reflection.ClusterSize,
		DecayFactor:     cfg.Reflection.DecayFactor,
		ReinforceAmount: cfg.Reflection.ReinforceAmount,
	}, logger)
	runner := reflection.NewRunner(engine,
		time.Duration(cfg.Reflection.IntervalSeconds)*time.Second,
		time.Duration(cfg.Reflection.ShutdownGraceSeconds)*time.Second,
		logger)
	runner.Start(context.Background())

	var sessionIface agent.Sessions
	if sessions != nil {
		sessionIface = sessions
	} else {
		sessionIface = noSessions{}
	}
	convo := agent.NewEngine(store, sessionIface, llm, extractor, curator, agent.Config{
		DialogueResults: cfg.Memory.DialogueResults,
		ThoughtResults:  cfg.Memory.ThoughtResults,
		HistoryLimit:    cfg.Memory.HistoryLimit,
	}, logger)

	gw := gateway.NewManager(logger)
	gw.SetHandler(func(msg *gateway.InboundMessage) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			reply, err := convo.Handle(ctx, agent.Incoming{
				Gateway:   msg.Platform,
				ChannelID: msg.ChannelID,
				UserID:    msg.UserID,
				UserName:  msg.UserName,
				Text:      msg.Content,
			})
			if err != nil {
				logger.Error("message handling failed",
					zap.String("platform", msg.Platform), zap.Error(err))
				return
			}
			if err := gw.Send(ctx, &gateway.OutboundMessage{
				Platform:  msg.Platform,
				ChannelID: msg.ChannelID,
				Content:   reply,
				ReplyTo:   msg.ReplyTo,
			}); err != nil {
				logger.Error("reply send failed",
					zap.String("platform", msg.Platform), zap.Error(err))
			}
		}()
	})

	if cfg.Gateway.Telegram.Enabled && cfg.Gateway.Telegram.BotToken != "" {
		gw.Register(gateway.NewTelegramAdapter(cfg.Gateway.Telegram.BotToken, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger))
	}
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger))
	}
	if err := gw.ConnectAll(context.Background()); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// Background maintenance: periodic snapshot and edge decay.
	jobs := cron.New()
	jobs.Schedule(cron.Every(time.Duration(cfg.Graph.SaveIntervalSeconds)*time.Second), cron.FuncJob(func() {
		if err := mind.Persist(cfg.Graph.Path); err != nil {
			logger.Error("graph persist failed", zap.Error(err))
		}
	}))
	jobs.Schedule(cron.Every(time.Duration(cfg.Graph.DecayIntervalSeconds)*time.Second), cron.FuncJob(func() {
		mind.DecayPass(cfg.Graph.DecayFactor, cfg.Graph.DecayThreshold)
	}))
	jobs.Start()

	handler := api.NewHandler(store, mind, engine, runner, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		logger.Info("mnemosyne listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}

	gw.CloseAll()
	<-jobs.Stop().Done()
	runner.Stop()

	// Final snapshot so reinforcements since the last cron run survive.
	if err := mind.Persist(cfg.Graph.Path); err != nil {
		logger.Error("final graph persist failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildProvider(pc config.ProviderConfig, logger *zap.Logger) provider.Provider {
	cfg := provider.Config{
		ID:       pc.ID,
		Type:     pc.Type,
		Name:     pc.Name,
		Endpoint: pc.Endpoint,
		APIKey:   pc.APIKey,
		Model:    pc.Model,
		Timeout:  time.Duration(pc.TimeoutSeconds * float64(time.Second)),
	}
	switch pc.Type {
	case "openai":
		return provider.NewOpenAIProvider(cfg, logger)
	case "anthropic":
		return provider.NewAnthropicProvider(cfg, logger)
	}
	logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
	return nil
}

func buildEmbedder(ec config.EmbeddingConfig) embedding.Provider {
	cfg := embedding.Config{
		Provider:       ec.Provider,
		Endpoint:       ec.Endpoint,
		Model:          ec.Model,
		APIKey:         ec.APIKey,
		Dimension:      ec.Dimension,
		TimeoutSeconds: ec.TimeoutSeconds,
	}
	if ec.Provider == "local" {
		return embedding.NewLocalProvider(cfg)
	}
	return embedding.NewAPIProvider(cfg)
}

// noSessions is the transcript backend used when PostgreSQL is absent:
// every exchange is stateless at the transcript level.
type noSessions struct{}

func (noSessions) FindOrCreateSession(context.Context, string, string, string) (*session.Session, error) {
	return nil, fmt.Errorf("session store disabled")
}

func (noSessions) AppendMessage(context.Context, int64, string, string) error { return nil }

func (noSessions) RecentMessages(context.Context, int64, int) ([]session.Message, error) {
	return nil, nil
}
