package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/feed"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Subscriber hands out change streams, one per connected device.
type Subscriber interface {
	Subscribe(ctx context.Context) (*feed.Subscription, error)
}

// Session is one connected scanner device.
type Session struct {
	SocketId    string
	DeviceId    string
	ConnectedAt time.Time
	Conn        *websocket.Conn
	Sub         *feed.Subscription
}

type DeviceInfo struct {
	SocketId    string    `json:"socket_id"`
	DeviceId    string    `json:"device_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Ws struct {
	connMap sync.Map // socketId -> *Session
	feed    Subscriber
}

func NewWs(f Subscriber) *Ws {
	return &Ws{feed: f}
}

// Subscribe opens the change stream for a device that is about to connect.
// It runs before the upgrade so no change committed after the device's
// handshake completes can be missed.
func (s *Ws) Subscribe(ctx context.Context) (*feed.Subscription, error) {
	return s.feed.Subscribe(ctx)
}

// Register records an upgraded connection together with its stream.
func (s *Ws) Register(socketId, deviceId string, conn *websocket.Conn, sub *feed.Subscription) *Session {
	sess := &Session{
		SocketId:    socketId,
		DeviceId:    deviceId,
		ConnectedAt: time.Now().UTC(),
		Conn:        conn,
		Sub:         sub,
	}
	s.connMap.Store(socketId, sess)
	return sess
}

// handle socket message from scanner devices
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) {
	switch message.Type {
	case comm.TypeResync:
		// the device wants a clean start; ending the stream makes it resync
		if sess, ok := s.GetSession(socketId); ok {
			log.Infof("device %s asked for resync", sess.DeviceId)
			sess.Sub.CloseWithError(feed.ErrClosed)
		}
	default:
		log.Warnf("unknown event received: %s", message.Type)
	}
}

func (s *Ws) GetSession(socketId string) (*Session, bool) {
	sess, ok := s.connMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return sess.(*Session), true
}

func (s *Ws) HandleDisconnect(socketId string) {
	sess, ok := s.connMap.LoadAndDelete(socketId)
	if !ok {
		return
	}
	sess.(*Session).Sub.Close()
	log.Infof("device %s disconnected", sess.(*Session).DeviceId)
}

// Devices lists connected devices, oldest first.
func (s *Ws) Devices() []DeviceInfo {
	var out []DeviceInfo
	s.connMap.Range(func(_, value any) bool {
		sess := value.(*Session)
		out = append(out, DeviceInfo{
			SocketId:    sess.SocketId,
			DeviceId:    sess.DeviceId,
			ConnectedAt: sess.ConnectedAt,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
