// Command peek-responses consumes a single message from an agent's
// response queue and prints its JSON payload, generalizing the
// original peek_responses.py script. Unlike that script's no_ack
// consume, the fetched message is nacked with requeue so a peek never
// drains the queue.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/topology"
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

	agentID := flag.String("agent", envOr("AGENT_ID", "demo-agent"), "agent id to peek responses for")
	flag.Parse()

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("Failed to open channel: %v", err)
	}
	defer ch.Close()

	topo := topology.New(cfg.Retry)
	if err := topo.DeclareAgent(ch, *agentID); err != nil {
		log.Fatalf("Failed to declare response topology for agent %s: %v", *agentID, err)
	}

	delivery, ok, err := ch.Get(topology.ResponseQueue(*agentID), false)
	if err != nil {
		log.Fatalf("Failed to get message: %v", err)
	}
	if !ok {
		fmt.Println(`{"empty":true}`)
		return
	}
	defer delivery.Nack(false, true)

	var payload map[string]interface{}
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		fmt.Println(`{"malformed":true}`)
		return
	}

	out, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("Failed to marshal payload: %v", err)
	}
	fmt.Println(string(out))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
