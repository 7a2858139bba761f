package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/attendance-services/internal/reportsvc/store"
)

type TallyReader interface {
	Get(ctx context.Context, eventID int64) (*store.Tally, error)
}

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	tallies   TallyReader
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func NewHandler(tallies TallyReader, secret string) *Handler {
	return &Handler{
		tokenAuth: jwtauth.New("HS256", []byte(secret), nil),
		tallies:   tallies,
	}
}

func (h *Handler) SetRoutes(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Get("/events/{id}/tally", h.GetTally)
		})
	})
}

func (h *Handler) TokenAuth() *jwtauth.JWTAuth {
	return h.tokenAuth
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "report service is running",
		Code:    http.StatusOK,
	})
}

func (h *Handler) GetTally(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || eventID <= 0 {
		h.CreateResponse(w, Response{Message: "invalid event id", Code: http.StatusBadRequest, Error: "event id must be a positive integer"})
		return
	}

	tally, err := h.tallies.Get(r.Context(), eventID)
	if err != nil {
		log.Errorf("tally read failed: %v", err)
		h.CreateResponse(w, Response{Message: "tally unavailable", Code: http.StatusServiceUnavailable, Error: err.Error()})
		return
	}

	h.CreateResponse(w, Response{
		Message: "event tally",
		Code:    http.StatusOK,
		Data:    tally,
	})
}
