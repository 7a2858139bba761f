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
	"github.com/avvvet/attendance-services/internal/feed"
	"github.com/avvvet/attendance-services/internal/nats"
	"github.com/avvvet/attendance-services/internal/socketsvc/broker"
	"github.com/avvvet/attendance-services/internal/socketsvc/routes"
	"github.com/avvvet/attendance-services/internal/socketsvc/ws"
)

const SERVICE_NAME = "socket"

func init() {
	config.Logging(SERVICE_NAME + "_service_" + config.GetEnv("INSTANCE_ID", "001"))
	config.LoadEnv(SERVICE_NAME)
}

func main() {
	config.CreateUniqueInstance(SERVICE_NAME)

	ctx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()

	f := feed.NewBroker(config.GetIntEnv("FEED_QUEUE_SIZE", 16))
	go f.Run(ctx)

	// any gap in the NATS stream is a gap for every device
	n, err := nats.Connect(SERVICE_NAME+"-service", nats.Hooks{
		OnDisconnect: func(error) { f.Reset(feed.ErrFeedDisconnected) },
		OnReconnect:  func() { f.Reset(feed.ErrFeedDisconnected) },
	})
	if err != nil {
		log.Fatalf("Error: unable to connect to NATS server %v", err)
	}
	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)

	// to protect the service api from any over requests
	r.Use(httprate.LimitByIP(config.GetIntEnv("RATE_LIMIT", 600), 1*time.Minute))

	// Initialize websocket sessions
	s := ws.NewWs(f)

	// Initialize routes
	routes.InitAuth(os.Getenv("JWT_SECRET_KEY"))
	routes.SetRoutes(r, s)

	// bridge the activation feed into the local fan-out
	b := broker.NewBroker(n.Conn, f)
	sub, err := b.Subscribe(comm.SubjectFeed)
	if err != nil {
		log.Fatalf("Error: unable to subscribe to %s %v", comm.SubjectFeed, err)
	}

	// Create server with timeout settings; websocket writes carry their own deadlines
	server := &http.Server{
		Addr:        ":" + config.GetEnv("SOCKET_SERVICE_PORT", "8081"),
		Handler:     r,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
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

	sub.Unsubscribe()
	// devices get a resync notice and reconnect elsewhere
	stopFeed()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
