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
	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/db"
	"github.com/avvvet/attendance-services/internal/nats"
	"github.com/avvvet/attendance-services/internal/reportsvc/broker"
	"github.com/avvvet/attendance-services/internal/reportsvc/handlers"
	"github.com/avvvet/attendance-services/internal/reportsvc/store"
)

const SERVICE_NAME = "report"

func init() {
	config.Logging(SERVICE_NAME + "_service_" + config.GetEnv("INSTANCE_ID", "001"))
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	config.CreateUniqueInstance(SERVICE_NAME)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	database, err := db.ConnectToDB(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer db.Disconnect(database)

	tallies := store.NewTallyStore(database, config.GetDurationEnv("TALLY_RETENTION", 30*24*time.Hour))
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = tallies.EnsureIndexes(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to create tally indexes: %v", err)
	}

	n, err := nats.Connect(SERVICE_NAME+"-service", nats.Hooks{})
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	b := broker.NewBroker(n.Conn, tallies, config.GetDurationEnv("STORE_TIMEOUT", 5*time.Second))
	sub, err := b.QueueSubscribe(comm.SubjectScans, "report-service")
	if err != nil {
		log.Fatalf("Error: unable to subscribe to queue %v", err)
	}

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
	r.Use(httprate.LimitByIP(config.GetIntEnv("RATE_LIMIT", 600), 1*time.Minute))

	h := handlers.NewHandler(tallies, os.Getenv("JWT_SECRET_KEY"))
	h.SetRoutes(r)

	server := &http.Server{
		Addr:         ":" + config.GetEnv("REPORT_SERVICE_PORT", "8082"),
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

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// stop taking scans before the mongo client goes away
	if err := sub.Drain(); err != nil {
		log.Warnf("drain scan subscription: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
