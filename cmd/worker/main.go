package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/agentqueue/control-plane/internal/audit"
	"github.com/agentqueue/control-plane/internal/broker"
	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/consumer"
	"github.com/agentqueue/control-plane/internal/database"
	"github.com/agentqueue/control-plane/internal/handlers"
	"github.com/agentqueue/control-plane/internal/idempotency"
	"github.com/agentqueue/control-plane/internal/logging"
	"github.com/agentqueue/control-plane/internal/metrics"
	"github.com/agentqueue/control-plane/internal/poison"
	"github.com/agentqueue/control-plane/internal/ratelimit"
	"github.com/agentqueue/control-plane/internal/response"
	"github.com/agentqueue/control-plane/internal/retry"
	"github.com/agentqueue/control-plane/internal/topology"
	"github.com/agentqueue/control-plane/internal/tracing"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	orgsFlag := flag.String("orgs", os.Getenv("WORKER_ORGS"), "comma-separated list of org ids this worker consumes for")
	concurrencyFlag := flag.Int("concurrency", 10, "per-org consumer prefetch / concurrency")
	flag.Parse()

	orgs := splitNonEmpty(*orgsFlag)
	if len(orgs) == 0 {
		log.Fatalf("no orgs configured: pass -orgs or set WORKER_ORGS")
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// InitTracer's return value is the tracer for ad hoc spans outside
	// the delivery loop; the delivery loop itself goes through
	// tracing.StartSpan, which looks up the global provider InitTracer
	// installs, so only the installation and its shutdown func matter
	// here.
	_, shutdownTracing, err := tracing.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Handler.ShutdownGrace())
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.ErrorWithErr("failed to shut down tracer", err)
		}
	}()

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatalf("Failed to parse REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		logger.Fatalf("Failed to connect to broker: %v", err)
	}
	defer conn.Close()

	topo := topology.New(cfg.Retry)
	setupCh, err := conn.Channel()
	if err != nil {
		logger.Fatalf("Failed to open setup channel: %v", err)
	}
	for _, orgID := range orgs {
		if err := topo.DeclareOrg(setupCh, orgID); err != nil {
			logger.Fatalf("Failed to declare topology for org %s: %v", orgID, err)
		}
	}
	setupCh.Close()

	auditBatcher := audit.New(repo, logger, cfg.Audit)
	auditBatcher.Start(ctx)

	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.ErrorWithErr("metrics server stopped", err)
		}
	}()

	handlerRegistry := consumer.Registry{
		"agent_message": handlers.Echo{},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	var wg sync.WaitGroup
	var harnesses []*consumer.Harness

	for _, orgID := range orgs {
		consumeCh, err := conn.Channel()
		if err != nil {
			logger.Fatalf("Failed to open consume channel for org %s: %v", orgID, err)
		}
		publishCh, err := conn.Channel()
		if err != nil {
			logger.Fatalf("Failed to open publish channel for org %s: %v", orgID, err)
		}

		publisher, err := broker.New(publishCh, topo)
		if err != nil {
			logger.Fatalf("Failed to initialize publisher for org %s: %v", orgID, err)
		}

		limiter := ratelimit.New(cfg.RateLimit, redisClient)
		harness := consumer.New(
			consumeCh,
			publisher,
			idempotency.New(repo),
			poison.New(repo, cfg.Poison.Threshold),
			retry.New(publisher, topo, cfg.Retry.MaxRetries, cfg.Retry.JitterFrac),
			auditBatcher,
			response.New(publisher),
			limiter,
			handlerRegistry,
			cfg.Handler,
			logger,
		)
		harnesses = append(harnesses, harness)

		wg.Add(1)
		go func(orgID string, h *consumer.Harness) {
			defer wg.Done()
			logger.Infof("Worker consuming for org %s (concurrency=%d)", orgID, *concurrencyFlag)
			if err := h.Run(ctx, orgID, *concurrencyFlag); err != nil {
				logger.ErrorWithErr("consumer harness exited with error", err)
			}
		}(orgID, harness)
	}

	<-ctx.Done()

	for _, h := range harnesses {
		h.Drain(cfg.Handler.ShutdownGrace())
	}
	wg.Wait()

	auditBatcher.Flush()
	auditBatcher.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Handler.ShutdownGrace())
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("failed to shut down metrics server", err)
	}

	logger.Info("Worker stopped")
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
