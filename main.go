package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Daniel865692/energy-management-platform/archive"
	"github.com/Daniel865692/energy-management-platform/config"
	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/database/registry"
	"github.com/Daniel865692/energy-management-platform/handlers"
	"github.com/Daniel865692/energy-management-platform/kafka"
	"github.com/Daniel865692/energy-management-platform/models"
	"github.com/Daniel865692/energy-management-platform/mqtt"
	"github.com/Daniel865692/energy-management-platform/services"
	"github.com/Daniel865692/energy-management-platform/websocket"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Energy Management Platform on port %s", cfg.Server.Port)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(websocket.Options{
		BufferSize:     cfg.Broadcast.BufferSize,
		AllowedOrigins: cfg.Server.AllowOrigins,
	})
	go wsHub.Run(ctx)

	log.Println("WebSocket hub started")

	// Initialize storage
	backend, err := registry.Open(cfg, registry.Options{
		OnConfirm: func(_ context.Context, status *models.DeviceStatus) {
			wsHub.PublishStatus(status)
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	db := database.NewSupervisor(backend, database.SupervisorConfig{
		HealthInterval: cfg.Supervisor.HealthInterval,
		BaseDelay:      cfg.Supervisor.BaseDelay,
		MaxRetries:     cfg.Supervisor.MaxRetries,
	})

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	err = db.Start(connectCtx)
	cancelConnect()
	if err != nil {
		log.Fatalf("Failed to connect to %s database: %v", cfg.Database.Type, err)
	}

	log.Printf("Database connection established (%s)", db.Name())

	// Ingestion pipeline
	anomalyDetector := services.NewAnomalyDetector(cfg.Anomaly)
	orchestrator := services.NewOrchestrator(db, anomalyDetector, wsHub)
	dispatcher := services.NewCommandDispatcher(db, wsHub)

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer, err = kafka.NewConsumer(cfg.Kafka, orchestrator)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka consumer: %v", err)
		}
		consumer.Start(ctx)
		log.Printf("Kafka consumer initialized, topics: %v", cfg.Kafka.Topics)
	}

	var subscriber *mqtt.Subscriber
	if cfg.MQTT.Enabled {
		subscriber = mqtt.NewSubscriber(cfg.MQTT, orchestrator)
		subscriber.Start(ctx)
		log.Printf("MQTT subscriber started, broker: %s", cfg.MQTT.BrokerURL)
	}

	var archiver handlers.Archiver
	if cfg.Archive.Enabled {
		uploader, err := archive.NewMinIO(cfg.Archive)
		if err != nil {
			log.Fatalf("Failed to initialize export archive: %v", err)
		}
		archiver = uploader
		log.Printf("Export archive enabled, bucket: %s", cfg.Archive.Bucket)
	}

	// Initialize HTTP handlers
	handler := handlers.New(handlers.Deps{
		DB:              db,
		State:           db.State,
		Hub:             wsHub,
		Detector:        anomalyDetector,
		Orchestrator:    orchestrator,
		Dispatcher:      dispatcher,
		Archiver:        archiver,
		DefaultDeviceID: cfg.Devices.DefaultDeviceID,
	})

	limiter := handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitWindow)
	if limiter != nil {
		go limiter.Run(ctx)
	}

	router := handlers.NewRouter(handler, handlers.RouterOptions{
		AllowedOrigins: cfg.Server.AllowOrigins,
		RateLimiter:    limiter,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			log.Printf("Failed to stop Kafka consumer: %v", err)
		}
	}
	if subscriber != nil {
		subscriber.Stop()
	}

	stop()

	if err := db.Disconnect(shutdownCtx); err != nil {
		log.Printf("Failed to disconnect from database: %v", err)
	}

	log.Println("Server stopped")
}
