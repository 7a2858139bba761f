package broker

import (
	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Publisher is the local fan-out the NATS feed is bridged into.
type Publisher interface {
	Publish(c comm.Change)
}

type Broker struct {
	Conn *nats.Conn
	feed Publisher
}

func NewBroker(conn *nats.Conn, feed Publisher) *Broker {
	return &Broker{
		Conn: conn,
		feed: feed,
	}
}

// Subscribe consumes the activation feed. A plain subscription (not a queue
// group) so every socketsvc instance sees every change.
func (b *Broker) Subscribe(topic string) (*nats.Subscription, error) {
	sub, err := b.Conn.Subscribe(topic, b.handleMessages)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// handleMessages receive committed changes from attendance service
func (b *Broker) handleMessages(msgNats *nats.Msg) {
	c, err := comm.DecodeChange(msgNats.Data)
	if err != nil {
		// the seq it carried is lost, devices find the gap on the next change
		log.Errorf("Error dropping undecodable feed message: %s", err)
		return
	}

	log.Debugf("feed change %s event=%d seq=%d", c.Kind, c.EventID, c.Seq)
	b.feed.Publish(c)
}
