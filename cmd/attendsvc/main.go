package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/attendance-services/configs"
	"github.com/avvvet/attendance-services/internal/attendsvc/broker"
	"github.com/avvvet/attendance-services/internal/attendsvc/db"
	"github.com/avvvet/attendance-services/internal/attendsvc/handlers"
	"github.com/avvvet/attendance-services/internal/attendsvc/service"
	"github.com/avvvet/attendance-services/internal/attendsvc/store"
	"github.com/avvvet/attendance-services/internal/nats"
)

const SERVICE_NAME = "attend"

func init() {
	config.Logging(SERVICE_NAME + "_service_" + config.GetEnv("INSTANCE_ID", "001"))
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	config.CreateUniqueInstance(SERVICE_NAME)

	// pg connection
	dbpool, err := db.Connect(context.Background())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.ClosePool()
	log.Printf("pg connection established successfully")

	if err := db.RunMigrations(dbpool); err != nil {
		log.Fatalf("Failed to migrate DB: %v", err)
	}

	// Connect to NATS; a lost publish shows up to devices as a seq gap
	n, err := nats.Connect(SERVICE_NAME+"-service", nats.Hooks{})
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	pub := broker.NewBroker(n.Conn)

	eventStore := store.NewEventStore(dbpool)
	scanStore := store.NewScanStore(dbpool)
	memberStore := store.NewMemberStore(dbpool)

	activationService := service.NewActivationService(eventStore, pub)
	scanService := service.NewScanService(eventStore, memberStore, scanStore, pub,
		service.WithRetries(uint64(config.GetIntEnv("SCAN_RETRY_ATTEMPTS", 3))),
		service.WithStoreTimeout(config.GetDurationEnv("STORE_TIMEOUT", 5*time.Second)),
	)

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go activationService.RunAuditor(ctx, config.GetDurationEnv("AUDIT_INTERVAL", 30*time.Second))

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(config.GetIntEnv("RATE_LIMIT", 600), 1*time.Minute))

	// Init handlers and routes
	h := handlers.NewHandler(activationService, scanService, scanStore)
	h.InitAuth(os.Getenv("JWT_SECRET_KEY"))
	h.SetRoutes(r)

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + config.GetEnv("ATTEND_SERVICE_PORT", "8080"),
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	if err := n.Conn.Flush(); err != nil {
		log.Warnf("NATS flush on shutdown: %v", err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
