// Command load-test publishes N messages at M concurrency against a
// single org and reports aggregate throughput and publish latency,
// generalizing the original load_test.py script.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentqueue/control-plane/internal/broker"
	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/envelope"
	"github.com/agentqueue/control-plane/internal/topology"
	"github.com/agentqueue/control-plane/pkg/models"
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

	orgID := flag.String("org", envOr("ORG_ID", "demo-org"), "org id to publish under")
	count := flag.Int("count", envOrInt("COUNT", 100), "number of messages to publish")
	concurrency := flag.Int("concurrency", envOrInt("CONCURRENCY", 10), "publish concurrency")
	priority := flag.Int("priority", envOrInt("PRIORITY", models.DefaultPriority), "message priority (0-9)")
	flag.Parse()

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer conn.Close()

	setupCh, err := conn.Channel()
	if err != nil {
		log.Fatalf("Failed to open setup channel: %v", err)
	}

	topo := topology.New(cfg.Retry)
	if err := topo.DeclareOrg(setupCh, *orgID); err != nil {
		log.Fatalf("Failed to declare topology for org %s: %v", *orgID, err)
	}
	setupCh.Close()

	publishCh, err := conn.Channel()
	if err != nil {
		log.Fatalf("Failed to open publish channel: %v", err)
	}
	defer publishCh.Close()

	publisher, err := broker.New(publishCh, topo)
	if err != nil {
		log.Fatalf("Failed to initialize publisher: %v", err)
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var timingsSec []float64
	var failures int

	started := time.Now()
	for i := 0; i < *count; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			t0 := time.Now()
			env := &models.Envelope{
				MessageID: uuid.New().String(),
				Version:   "1.0.0",
				OrgID:     *orgID,
				Type:      "agent_message",
				Priority:  *priority,
				CreatedBy: models.Actor{Type: "system", ID: "load"},
				CreatedAt: time.Now().UTC(),
			}
			if err := envelope.Validate(env); err != nil {
				log.Printf("validation failed: %v", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := publisher.PublishRequest(ctx, *orgID, env); err != nil {
				log.Printf("publish failed: %v", err)
				mu.Lock()
				failures++
				mu.Unlock()
				return
			}

			elapsed := time.Since(t0).Seconds()
			mu.Lock()
			timingsSec = append(timingsSec, elapsed)
			mu.Unlock()
		}()
	}
	wg.Wait()
	total := time.Since(started).Seconds()

	log.Printf("published=%d failures=%d concurrency=%d total_sec=%.2f tps=%.1f",
		*count-failures, failures, *concurrency, total, float64(*count)/total)
	if len(timingsSec) > 0 {
		log.Printf("publish_latency_ms: avg~%.2f", 1000*mean(timingsSec))
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
