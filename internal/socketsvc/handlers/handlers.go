package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	config "github.com/avvvet/attendance-services/configs"
	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/feed"
	"github.com/avvvet/attendance-services/internal/socketsvc/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Handler struct {
	upgrader websocket.Upgrader
	ws       *ws.Ws
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func NewHandler(s *ws.Ws) *Handler {
	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ws: s,
	}
	return h
}

// HandleWebSocket attaches a scanner device to the change feed.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceId := r.URL.Query().Get("device_id")
	if deviceId == "" {
		h.CreateResponse(w, Response{Message: "device_id is required", Code: http.StatusBadRequest})
		return
	}

	sub, err := h.ws.Subscribe(r.Context())
	if err != nil {
		log.Errorf("Failed to attach device %s to feed: %v", deviceId, err)
		h.CreateResponse(w, Response{Message: "change feed unavailable", Code: http.StatusServiceUnavailable, Error: err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		sub.Close()
		return
	}

	socketId := uuid.New().String()
	sess := h.ws.Register(socketId, deviceId, conn, sub)

	log.WithFields(log.Fields{"socket_id": socketId, "device_id": deviceId}).Info("New WebSocket connection established")

	go h.writePump(sess)
	go h.handleConnection(sess)
}

func (h *Handler) handleConnection(sess *ws.Session) {
	conn := sess.Conn
	defer func() {
		log.Infof("Closing WebSocket connection: %s", sess.SocketId)
		conn.Close()
		h.ws.HandleDisconnect(sess.SocketId)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Errorf("WebSocket unexpected close error for socket %s: %v", sess.SocketId, err)
			} else {
				log.Infof("WebSocket connection closed for socket: %s", sess.SocketId)
			}
			return
		}

		message := &comm.WSMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			log.Errorf("Failed to unmarshal message from socket %s: %v", sess.SocketId, err)
			continue
		}

		log.Debugf("Received message from socket %s: type=%s", sess.SocketId, message.Type)
		h.ws.SocketMessage(sess.SocketId, message)
	}
}

// writePump is the only writer on the connection. When the device's stream
// ends for any reason other than the device leaving, it is told to resync and
// the connection is closed.
func (h *Handler) writePump(sess *ws.Session) {
	conn := sess.Conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case c, ok := <-sess.Sub.Changes():
			if !ok {
				if err := sess.Sub.Err(); !errors.Is(err, feed.ErrClosed) || h.stillAttached(sess) {
					writeResync(conn, err)
				}
				return
			}

			raw, err := comm.EncodeChange(c)
			if err != nil {
				log.Errorf("Failed to encode change seq %d: %v", c.Seq, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Warnf("write to socket %s failed: %v", sess.SocketId, err)
				sess.Sub.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Sub.Close()
				return
			}
		}
	}
}

func (h *Handler) stillAttached(sess *ws.Session) bool {
	_, ok := h.ws.GetSession(sess.SocketId)
	return ok
}

func writeResync(conn *websocket.Conn, reason error) {
	msg := "stream ended"
	if reason != nil {
		msg = reason.Error()
	}
	data, _ := json.Marshal(map[string]string{"reason": msg})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(&comm.WSMessage{Type: comm.TypeResync, Data: data}); err != nil {
		log.Debugf("resync notice not delivered: %v", err)
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "resync"))
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
		Message: "socket service is running",
		Code:    http.StatusOK,
		Data:    map[string]string{"instance_id": config.GetInstanceId()},
	})
}

func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "connected devices",
		Code:    http.StatusOK,
		Data:    h.ws.Devices(),
	})
}
