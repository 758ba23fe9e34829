// Command init-topology declares the per-org request/retry/DLQ
// exchanges and queues (and, optionally, per-agent response queues)
// ahead of time, generalizing the original init_topology.py script.
package main

import (
	"flag"
	"log"
	"os"
	"strings"

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

	orgsFlag := flag.String("orgs", os.Getenv("ORG_IDS"), "comma-separated list of org ids to declare topology for")
	agentsFlag := flag.String("agents", os.Getenv("AGENT_IDS"), "comma-separated list of agent ids to pre-create response queues for")
	flag.Parse()

	orgs := splitNonEmpty(*orgsFlag)
	if len(orgs) == 0 {
		orgs = []string{"demo-org"}
	}
	agents := splitNonEmpty(*agentsFlag)

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

	for _, orgID := range orgs {
		if err := topo.DeclareOrg(ch, orgID); err != nil {
			log.Fatalf("Failed to declare topology for org %s: %v", orgID, err)
		}
		log.Printf("Declared topology for org %s", orgID)
	}

	for _, agentID := range agents {
		if err := topo.DeclareAgent(ch, agentID); err != nil {
			log.Fatalf("Failed to declare response topology for agent %s: %v", agentID, err)
		}
		log.Printf("Declared response topology for agent %s", agentID)
	}
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
