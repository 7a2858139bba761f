package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/attendance-services/internal/attendsvc/models"
	"github.com/avvvet/attendance-services/internal/attendsvc/service"
	"github.com/avvvet/attendance-services/internal/comm"
)

type Activator interface {
	Activate(ctx context.Context, eventID int64) (*service.ActivationResult, error)
	Deactivate(ctx context.Context, eventID int64) (*service.ActivationResult, error)
	GetActive(ctx context.Context) (*models.ActiveState, error)
}

type ScanProcessor interface {
	Process(ctx context.Context, rawCode string, eventID int64, deviceID string) (service.ScanResult, error)
}

type ScanCounter interface {
	CountByEvent(ctx context.Context, eventID int64) (int64, error)
}

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	events    Activator
	scans     ScanProcessor
	counter   ScanCounter
}

func NewHandler(events Activator, scans ScanProcessor, counter ScanCounter) *Handler {
	return &Handler{
		events:  events,
		scans:   scans,
		counter: counter,
	}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

type activationData struct {
	Event  *comm.EventData       `json:"event"`
	Seq    int64                 `json:"seq"`
	Active *comm.ActiveEventData `json:"active,omitempty"`
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
		Message: "attendance service is running",
		Code:    http.StatusOK,
	})
}

// GetActive is the authoritative read scanners resync from.
func (h *Handler) GetActive(w http.ResponseWriter, r *http.Request) {
	state, err := h.events.GetActive(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "active event",
		Code:    http.StatusOK,
		Data:    ToActiveEventData(state),
	})
}

func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	res, err := h.events.Activate(r.Context(), eventID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "event activated",
		Code:    http.StatusOK,
		Data:    toActivationData(res),
	})
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	res, err := h.events.Deactivate(r.Context(), eventID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "event deactivated",
		Code:    http.StatusOK,
		Data:    toActivationData(res),
	})
}

// ProcessScan answers business outcomes with 200; only a failed scan is an error status.
func (h *Handler) ProcessScan(w http.ResponseWriter, r *http.Request) {
	var req comm.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.CreateResponse(w, Response{Message: "invalid scan payload", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		h.CreateResponse(w, Response{Message: "invalid scan payload", Code: http.StatusBadRequest, Error: "code is required"})
		return
	}

	res, err := h.scans.Process(r.Context(), req.Code, req.EventID, req.DeviceID)
	data := comm.ScanResponse{
		Outcome:    string(res.Outcome),
		MemberName: res.MemberName,
	}
	if !res.ScannedAt.IsZero() {
		at := res.ScannedAt
		data.ScannedAt = &at
	}

	code := http.StatusOK
	if err != nil {
		data.Error = err.Error()
		code = statusFor(err)
	}
	h.CreateResponse(w, Response{Message: "scan processed", Code: code, Data: data})
}

func (h *Handler) CountScans(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	count, err := h.counter.CountByEvent(r.Context(), eventID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.CreateResponse(w, Response{
		Message: "scan count",
		Code:    http.StatusOK,
		Data:    map[string]int64{"event_id": eventID, "scans": count},
	})
}

func (h *Handler) eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.CreateResponse(w, Response{Message: "invalid event id", Code: http.StatusBadRequest, Error: "event id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	h.CreateResponse(w, Response{Message: http.StatusText(code), Code: code, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ToEventData(e *models.Event) *comm.EventData {
	if e == nil {
		return nil
	}
	return &comm.EventData{
		ID:          e.ID,
		Name:        e.Name,
		IsActive:    e.IsActive,
		ActivatedAt: e.ActivatedAt,
	}
}

func ToActiveEventData(s *models.ActiveState) *comm.ActiveEventData {
	if s == nil {
		return nil
	}
	return &comm.ActiveEventData{Event: ToEventData(s.Event), Seq: s.Seq}
}

func toActivationData(res *service.ActivationResult) activationData {
	return activationData{
		Event:  ToEventData(res.Event),
		Seq:    res.Seq,
		Active: ToActiveEventData(res.Active),
	}
}
