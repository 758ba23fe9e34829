package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentqueue/control-plane/internal/broker"
	"github.com/agentqueue/control-plane/internal/config"
	"github.com/agentqueue/control-plane/internal/database"
	"github.com/agentqueue/control-plane/internal/envelope"
	"github.com/agentqueue/control-plane/internal/logging"
	"github.com/agentqueue/control-plane/internal/middleware"
	"github.com/agentqueue/control-plane/internal/topology"
	"github.com/agentqueue/control-plane/pkg/models"
)

// API holds the dependencies behind the admin/observability HTTP
// surface: health checks, metrics, a local test-publish path, and a
// non-destructive response-queue peek. This is not the production
// producer path — that is the out-of-scope HTTP/auth service.
type API struct {
	repo      *database.Repository
	db        *database.DB
	conn      *amqp.Connection
	topo      *topology.Manager
	publisher *broker.Publisher
	log       *logging.Logger
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	middleware.SetOperatorSecret(cfg.Server.OperatorToken)
	if cfg.Server.OperatorToken == "" {
		logger.Info("operator token not configured; /v1 routes will return 503")
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	conn, err := amqp.Dial(cfg.Broker.URL)
	if err != nil {
		logger.Fatalf("Failed to connect to broker: %v", err)
	}
	defer conn.Close()

	publishCh, err := conn.Channel()
	if err != nil {
		logger.Fatalf("Failed to open publish channel: %v", err)
	}

	topo := topology.New(cfg.Retry)
	publisher, err := broker.New(publishCh, topo)
	if err != nil {
		logger.Fatalf("Failed to initialize publisher: %v", err)
	}

	api := &API{
		repo:      repo,
		db:        db,
		conn:      conn,
		topo:      topo,
		publisher: publisher,
		log:       logger,
	}

	router := setupRouter(api, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting admin API on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down admin API...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Admin API stopped")
}

func setupRouter(api *API, logger *logging.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	router.GET("/healthz", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.OperatorAuth())
	{
		v1.POST("/orgs/:org/messages", api.publishMessage)
		v1.GET("/agents/:agent/responses/peek", api.peekResponse)
	}

	return router
}

// healthCheck reports the broker and database liveness a load
// balancer or orchestrator probes before routing traffic here.
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.db.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "component": "database", "error": err.Error()})
		return
	}

	if api.conn.IsClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "component": "broker", "error": "connection closed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// publishMessage accepts a pre-validated envelope and publishes it to
// the org's request exchange. This is a local testing/integration
// path, not the production producer — that responsibility belongs to
// the out-of-scope HTTP/auth service fronting this control plane.
func (api *API) publishMessage(c *gin.Context) {
	orgID := c.Param("org")

	// Pre-set so a body that omits priority keeps the default.
	env := models.Envelope{Priority: models.DefaultPriority}
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid envelope: %v", err)})
		return
	}
	env.OrgID = orgID

	envelope.Normalize(&env)
	if err := envelope.Validate(&env); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	setupCh, err := api.conn.Channel()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to open channel: %v", err)})
		return
	}
	declareErr := api.topo.DeclareOrg(setupCh, orgID)
	setupCh.Close()
	if declareErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to declare topology: %v", declareErr)})
		return
	}

	if err := api.publisher.PublishRequest(c.Request.Context(), orgID, &env); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to publish: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message_id": env.MessageID, "dedup_key": env.DedupKey()})
}

// peekResponse performs a non-destructive read of the next message on
// an agent's response queue: it fetches without auto-ack and
// immediately nacks-with-requeue, so an operator inspecting traffic
// never drains it, unlike the original peek_responses.py script's
// no_ack consume.
func (api *API) peekResponse(c *gin.Context) {
	agentID := c.Param("agent")

	ch, err := api.conn.Channel()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to open channel: %v", err)})
		return
	}
	defer ch.Close()

	if err := api.topo.DeclareAgent(ch, agentID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to declare topology: %v", err)})
		return
	}

	delivery, ok, err := ch.Get(topology.ResponseQueue(agentID), false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get message: %v", err)})
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"empty": true})
		return
	}
	defer delivery.Nack(false, true)

	var payload models.ResponsePayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		c.JSON(http.StatusOK, gin.H{"malformed": true})
		return
	}

	c.JSON(http.StatusOK, payload)
}
