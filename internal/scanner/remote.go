package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/feed"
)

// ErrResyncRequested ends a remote subscription when the server cut the device off.
var ErrResyncRequested = errors.New("scanner: server requested resync")

// RemoteFeed subscribes to socketsvc over a websocket.
type RemoteFeed struct {
	URL       string
	DeviceID  string
	Token     string
	QueueSize int
	Dialer    *websocket.Dialer
}

func (f *RemoteFeed) Subscribe(ctx context.Context) (*feed.Subscription, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	q := u.Query()
	q.Set("device_id", f.DeviceID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if f.Token != "" {
		header.Set("Authorization", "Bearer "+f.Token)
	}

	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", feed.ErrFeedDisconnected, err)
	}

	size := f.QueueSize
	if size <= 0 {
		size = 16
	}
	sub := feed.NewSubscription(size)

	go f.read(conn, sub)
	go func() {
		<-sub.Done()
		conn.Close()
	}()
	return sub, nil
}

func (f *RemoteFeed) read(conn *websocket.Conn, sub *feed.Subscription) {
	for {
		msg := &comm.WSMessage{}
		if err := conn.ReadJSON(msg); err != nil {
			sub.CloseWithError(fmt.Errorf("%w: %v", feed.ErrFeedDisconnected, err))
			return
		}

		switch msg.Type {
		case comm.TypeResync:
			var payload struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(msg.Data, &payload)
			sub.CloseWithError(fmt.Errorf("%w: %s", ErrResyncRequested, payload.Reason))
			return

		case comm.TypeEventActivated, comm.TypeEventDeactivated:
			c, err := comm.ChangeFromMessage(msg)
			if err != nil {
				// a change we cannot read is a gap we cannot see
				sub.CloseWithError(fmt.Errorf("%w: %v", ErrResyncRequested, err))
				return
			}
			if !sub.Deliver(c) {
				return
			}

		default:
			log.Warnf("unknown feed message received: %s", msg.Type)
		}
	}
}

// RemoteAPI talks to attendsvc over HTTP.
type RemoteAPI struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type envelope struct {
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *RemoteAPI) GetActive(ctx context.Context) (*comm.ActiveEventData, error) {
	env, status, err := a.do(ctx, http.MethodGet, "/v1/events/active", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get active: status %d: %s", status, env.Error)
	}
	active := &comm.ActiveEventData{}
	if err := json.Unmarshal(env.Data, active); err != nil {
		return nil, fmt.Errorf("decode active event: %w", err)
	}
	return active, nil
}

// Process sends a scan. Business outcomes come back with a nil error.
func (a *RemoteAPI) Process(ctx context.Context, req comm.ScanRequest) (comm.ScanResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return comm.ScanResponse{}, err
	}
	env, status, err := a.do(ctx, http.MethodPost, "/v1/scans", body)
	if err != nil {
		return comm.ScanResponse{Outcome: comm.OutcomeFailed}, err
	}

	var resp comm.ScanResponse
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			return comm.ScanResponse{Outcome: comm.OutcomeFailed}, fmt.Errorf("decode scan response: %w", err)
		}
	}
	if status != http.StatusOK {
		if resp.Outcome == "" {
			resp.Outcome = comm.OutcomeFailed
		}
		msg := resp.Error
		if msg == "" {
			msg = env.Error
		}
		return resp, fmt.Errorf("process scan: status %d: %s", status, msg)
	}
	return resp, nil
}

func (a *RemoteAPI) do(ctx context.Context, method, path string, body []byte) (*envelope, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	env := &envelope{}
	if err := json.NewDecoder(res.Body).Decode(env); err != nil {
		// jwtauth answers 401 with plain text
		return &envelope{Error: http.StatusText(res.StatusCode)}, res.StatusCode, nil
	}
	return env, res.StatusCode, nil
}
