package routes

import (
	"net/http"
	"time"

	"github.com/avvvet/attendance-services/internal/socketsvc/handlers"
	"github.com/avvvet/attendance-services/internal/socketsvc/ws"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var tokenAuth *jwtauth.JWTAuth

func SetRoutes(r chi.Router, ws *ws.Ws) {
	h := handlers.NewHandler(ws)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verify(tokenAuth, jwtauth.TokenFromHeader, tokenFromQuery))
			r.Use(jwtauth.Authenticator)

			r.Get("/ws", h.HandleWebSocket)
			r.Get("/devices", h.Devices)
		})
	})
}

// tokenFromQuery lets browser based scanners, which cannot set headers on a
// websocket upgrade, pass the token as ?jwt=.
func tokenFromQuery(r *http.Request) string {
	return r.URL.Query().Get("jwt")
}

func InitAuth(secret string) {
	tokenAuth = jwtauth.New("HS256", []byte(secret), nil)

	expirationTime := time.Now().Add(7 * 24 * time.Hour).Unix()

	_, tokenString, _ := tokenAuth.Encode(map[string]interface{}{
		"role": "scanner",
		"exp":  expirationTime,
	})

	// For debugging only
	log.Debugf("DEBUG: scanner JWT for testing expires soon : %s", tokenString)
}

func TokenAuth() *jwtauth.JWTAuth {
	return tokenAuth
}
