package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/attendance-services/internal/comm"
)

func TestRemoteFeedDeliversChangesThenResync(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotDevice := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice <- r.URL.Query().Get("device_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		raw, _ := comm.EncodeChange(comm.Change{Kind: comm.EventActivated, EventID: 4, EventName: "Choir", Seq: 7, At: time.Now()})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		_ = conn.WriteJSON(comm.WSMessage{Type: comm.TypeResync, Data: json.RawMessage(`{"reason":"overflow"}`)})
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	f := &RemoteFeed{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws", DeviceID: "gate-1"}
	sub, err := f.Subscribe(context.Background())
	require.NoError(t, err)
	require.Equal(t, "gate-1", <-gotDevice)

	select {
	case c := <-sub.Changes():
		require.Equal(t, comm.EventActivated, c.Kind)
		require.Equal(t, int64(4), c.EventID)
		require.Equal(t, "Choir", c.EventName)
		require.Equal(t, int64(7), c.Seq)
	case <-time.After(time.Second):
		t.Fatal("no change received")
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("resync did not end the subscription")
	}
	require.ErrorIs(t, sub.Err(), ErrResyncRequested)
}

func TestRemoteAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/events/active":
			_, _ = w.Write([]byte(`{"message":"active event","code":200,"data":{"event":{"id":2,"name":"Youth meeting","is_active":true},"seq":11}}`))
		case "/v1/scans":
			var req comm.ScanRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Code == "BROKEN" {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"message":"scan processed","code":503,"data":{"outcome":"scan-failed","error":"store unavailable"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"message":"scan processed","code":200,"data":{"outcome":"scan-accepted","member_name":"Sara Tesfaye"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := &RemoteAPI{BaseURL: srv.URL + "/", Token: "tok"}
	ctx := context.Background()

	active, err := api.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), active.Event.ID)
	require.Equal(t, int64(11), active.Seq)

	resp, err := api.Process(ctx, comm.ScanRequest{Code: "MBR-1", EventID: 2})
	require.NoError(t, err)
	require.Equal(t, comm.OutcomeAccepted, resp.Outcome)
	require.Equal(t, "Sara Tesfaye", resp.MemberName)

	resp, err = api.Process(ctx, comm.ScanRequest{Code: "BROKEN", EventID: 2})
	require.Error(t, err)
	require.Equal(t, comm.OutcomeFailed, resp.Outcome)
	require.Contains(t, err.Error(), "store unavailable")

	_, err = (&RemoteAPI{BaseURL: srv.URL}).GetActive(ctx)
	require.ErrorContains(t, err, "status 401")
}
