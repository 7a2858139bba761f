package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/attendance-services/internal/reportsvc/store"
)

type stubTallies struct {
	tallies map[int64]*store.Tally
	err     error
}

func (s stubTallies) Get(_ context.Context, eventID int64) (*store.Tally, error) {
	if s.err != nil {
		return nil, s.err
	}
	if t, ok := s.tallies[eventID]; ok {
		return t, nil
	}
	return &store.Tally{EventID: eventID}, nil
}

func serve(t *testing.T, tallies TallyReader, path string, withToken bool) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(tallies, "report-secret")
	r := chi.NewRouter()
	h.SetRoutes(r)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if withToken {
		_, tok, err := h.TokenAuth().Encode(map[string]interface{}{"role": "viewer"})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestGetTally(t *testing.T) {
	last := time.Date(2026, time.June, 7, 10, 15, 0, 0, time.UTC)
	tallies := stubTallies{tallies: map[int64]*store.Tally{4: {EventID: 4, Scans: 37, LastScanAt: &last}}}

	rr := serve(t, tallies, "/v1/events/4/tally", true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t,
		`{"message":"event tally","code":200,"data":{"event_id":4,"scans":37,"last_scan_at":"2026-06-07T10:15:00Z"}}`,
		rr.Body.String())

	rr = serve(t, tallies, "/v1/events/5/tally", true)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"scans":0`)
}

func TestGetTallyErrors(t *testing.T) {
	rr := serve(t, stubTallies{}, "/v1/events/4/tally", false)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, stubTallies{}, "/v1/events/x/tally", true)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, stubTallies{err: errors.New("mongo down")}, "/v1/events/4/tally", true)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
