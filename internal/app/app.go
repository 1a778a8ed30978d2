// Package app assembles the shared services both binaries run on.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"pipeline-orchestrator/internal/api"
	"pipeline-orchestrator/internal/artifact"
	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/ledger"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/queue"
	"pipeline-orchestrator/internal/ratelimit"
	"pipeline-orchestrator/internal/session"
	"pipeline-orchestrator/internal/skills"
	"pipeline-orchestrator/internal/store"
	"pipeline-orchestrator/internal/token"
	"pipeline-orchestrator/internal/worker"
)

// Services holds the wired dependencies. Relay is nil unless progress
// travels over Redis.
type Services struct {
	Config     config.Config
	Redis      *redis.Client
	Store      store.Backend
	Queue      *queue.RedisQueue
	Hub        *progress.Hub
	Relay      *progress.Relay
	Events     *progress.Bridge
	Sessions   *session.Registry
	Ledger     *ledger.Ledger
	Dispatcher *worker.Dispatcher

	closeStore func()
}

// Build connects to Redis and the durable store and wires everything else.
func Build(ctx context.Context, cfg config.Config) (*Services, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("redis ping %s: %v", cfg.RedisAddr, err)
	}

	st, closeStore, err := store.Open(ctx, cfg.StoreBackend, cfg.PostgresDSN)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := progress.NewHub()
	var pub progress.Publisher = hub
	var relay *progress.Relay
	switch cfg.ProgressTransport {
	case "memory":
	case "redis", "":
		pub = progress.NewRedisPublisher(rdb)
		relay = progress.NewRelay(rdb, hub)
	default:
		closeStore()
		_ = rdb.Close()
		return nil, fmt.Errorf("unknown progress transport %q", cfg.ProgressTransport)
	}
	events := progress.NewBridge(st, pub)

	q := queue.NewRedisQueue(rdb)
	s := &Services{
		Config:   cfg,
		Redis:    rdb,
		Store:    st,
		Queue:    q,
		Hub:      hub,
		Relay:    relay,
		Events:   events,
		Sessions: session.NewRegistry(rdb, st, cfg.SessionCacheTTL),
		Ledger: ledger.New(ledger.Config{
			SingleJobThreshold: cfg.SingleJobAlertUSD,
			DailyThreshold:     cfg.DailyAlertUSD,
			CounterTTL:         cfg.BudgetCounterTTL,
		}, st, rdb, ledger.LogAlerter{}),
		Dispatcher: worker.NewDispatcher(st, q, events, cfg.QueueConcurrency, worker.Defaults{
			MaxAttempts: cfg.DefaultMaxAttempts,
			Timeout:     cfg.DefaultJobTimeout,
		}),
		closeStore: closeStore,
	}
	return s, nil
}

// RunRelay feeds the local hub from Redis until ctx ends. It is a no-op for
// the in-process transport.
func (s *Services) RunRelay(ctx context.Context) {
	if s.Relay == nil {
		return
	}
	if err := s.Relay.Run(ctx); err != nil {
		log.Printf("progress relay stopped: %v", err)
	}
}

// Runner builds the pipeline runner with the simulation executor on the
// default queue and one HTTP skill per configured endpoint.
func (s *Services) Runner(ctx context.Context) (*pipeline.Runner, error) {
	cfg := s.Config
	archive, err := artifact.New(ctx, cfg.ArtifactDir, artifact.S3Config{
		Bucket:    cfg.ArtifactS3Bucket,
		Region:    cfg.ArtifactS3Region,
		Endpoint:  cfg.ArtifactS3Endpoint,
		PathStyle: cfg.ArtifactS3PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact uploader: %w", err)
	}

	runner := pipeline.NewRunner(pipeline.Config{
		MaxTurns:       cfg.MaxTurns,
		HardCeilingUSD: cfg.HardCeilingUSD,
		TurnRetries:    cfg.TurnRetries,
		TurnRetryDelay: cfg.TurnRetryDelay,
	}, pipeline.Deps{
		Sessions: s.Sessions,
		Costs:    s.Ledger,
		Events:   s.Events,
		Cancels:  s.Store,
		Archive:  archive,
		Hooks: pipeline.Hooks{
			OnComplete: func(_ context.Context, out pipeline.Outcome) {
				log.Printf("pipeline: run complete turns=%d cost_usd=%.6f last_tool=%s", out.Turns, out.CostUSD, out.LastTool)
			},
		},
	})
	runner.Register("default", skills.Scripted{})
	for queueName, endpoint := range cfg.SkillEndpoints {
		runner.Register(queueName, skills.NewHTTPSkill(endpoint, cfg.DefaultJobTimeout))
		log.Printf("skill queue=%s endpoint=%s", queueName, endpoint)
	}
	return runner, nil
}

// Processor builds the worker pool for workerID.
func (s *Services) Processor(ctx context.Context, workerID string) (*worker.Processor, error) {
	runner, err := s.Runner(ctx)
	if err != nil {
		return nil, err
	}
	return worker.NewProcessor(s.Config, s.Queue, s.Store, runner, s.Events, workerID), nil
}

// APIServer builds the HTTP surface. Resume endpoints are disabled without a
// token secret.
func (s *Services) APIServer() *api.Server {
	var codec *token.Codec
	if s.Config.ResumeTokenSecret != "" {
		c, err := token.NewCodec([]byte(s.Config.ResumeTokenSecret))
		if err != nil {
			log.Printf("resume tokens disabled: %v", err)
		} else {
			codec = c
		}
	} else {
		log.Printf("RESUME_TOKEN_SECRET not set; resume tokens disabled")
	}
	return api.New(s.Config, api.Deps{
		Dispatcher: s.Dispatcher,
		Sessions:   s.Sessions,
		Ledger:     s.Ledger,
		Tokens:     codec,
		Limiter:    ratelimit.NewOwnerLimiter(s.Redis, s.Config.RateLimitCapacity, s.Config.RateLimitRefill),
		Hub:        s.Hub,
	})
}

func (s *Services) Close() {
	if s.closeStore != nil {
		s.closeStore()
	}
	_ = s.Redis.Close()
}
