package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fabfab/legal-agent/chat"
	"github.com/fabfab/legal-agent/chatlog"
	"github.com/fabfab/legal-agent/config"
	"github.com/fabfab/legal-agent/database"
	"github.com/fabfab/legal-agent/embeddings"
	"github.com/fabfab/legal-agent/history"
	"github.com/fabfab/legal-agent/llm"
	"github.com/fabfab/legal-agent/metrics"
	"github.com/fabfab/legal-agent/retrieval"
)

// resources owns every connection opened during startup and closes them in
// reverse order.
type resources struct {
	redis   *goredis.Client
	closers []func()
}

func (r *resources) onClose(fn func()) { r.closers = append(r.closers, fn) }

func (r *resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// redisClient returns the shared Redis client, or nil when REDIS_ADDR is
// unset.
func (r *resources) redisClient(ctx context.Context, cfg config.Config) (*goredis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := database.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	r.redis = client
	r.onClose(func() { _ = client.Close() })
	return client, nil
}

func (r *resources) historyStore(ctx context.Context, cfg config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case config.HistoryMemory:
		return history.NewMemoryStore(), nil
	case config.HistoryRedis:
		client, err := r.redisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return history.NewRedisStore(client), nil
	case config.HistoryBadger:
		db, err := database.OpenBadger(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		r.onClose(func() { _ = db.Close() })
		return history.NewBadgerStore(db), nil
	}
	return nil, fmt.Errorf("unknown history backend: %s", cfg.History.Backend)
}

func (r *resources) partitions(ctx context.Context, cfg config.Config, embedder embeddings.Embedder) ([]retrieval.Retriever, error) {
	switch cfg.Partitions.Backend {
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		r.onClose(pool.Close)
		return retrieval.OpenPostgresPartitions(ctx, pool, embedder, cfg.Partitions.Names)
	case config.BackendNeo4j:
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		r.onClose(func() { _ = driver.Close(context.Background()) })
		return retrieval.OpenNeo4jPartitions(ctx, driver, embedder, cfg.Partitions.Names)
	}
	return nil, fmt.Errorf("unknown partition backend: %s", cfg.Partitions.Backend)
}

func (r *resources) chatLog(ctx context.Context, cfg config.Config, logger *zap.Logger) (chatlog.Sink, error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGODB_URI not set, chat log disabled")
		return chatlog.NopSink{}, nil
	}
	client, err := database.NewMongoClient(ctx, cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("mongodb connection: %w", err)
	}
	r.onClose(func() { _ = client.Disconnect(context.Background()) })

	sink := chatlog.NewMongoSink(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := sink.EnsureIndexes(ctx); err != nil {
		logger.Warn("chat log index", zap.Error(err))
	}
	return sink, nil
}

type app struct {
	resources
	service *chat.Service
	metrics *metrics.Metrics
}

// newApp wires the pipeline. Any partition that cannot be opened aborts
// startup.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	redis, err := a.redisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	embedder = embeddings.NewCached(embedder, redis, cfg.Embeddings.CacheTTL, logger.Named("embeddings"))

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	partitions, err := a.partitions(ctx, cfg, embedder)
	if err != nil {
		return nil, err
	}
	merger := retrieval.NewMerger(partitions,
		retrieval.WithFetchCount(cfg.Partitions.FetchK),
		retrieval.WithMinHealthy(cfg.Partitions.MinHealthy),
		retrieval.WithLogger(logger.Named("retrieval")),
	)

	store, err := a.historyStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sessions := history.NewManager(store,
		history.WithMaxTurns(cfg.History.MaxTurns),
		history.WithMaxIdleSessions(cfg.History.MaxIdleSessions),
		history.WithDefaultSession(cfg.History.DefaultSession),
		history.WithLogger(logger.Named("history")),
	)

	sink, err := a.chatLog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.service = chat.NewService(
		merger,
		chat.NewGenerator(llmClient, chat.DefaultPromptTemplate, cfg.LLM.Timeout),
		sessions,
		sink,
		a.metrics,
		logger.Named("chat"),
	)
	logger.Info("pipeline ready",
		zap.String("partition_backend", cfg.Partitions.Backend),
		zap.Strings("partitions", merger.Partitions()),
		zap.String("history_backend", cfg.History.Backend),
		zap.String("llm", cfg.LLM.Provider+"/"+cfg.LLM.Model),
		zap.String("embeddings", cfg.Embeddings.Provider+"/"+cfg.Embeddings.Model),
	)
	return a, nil
}
