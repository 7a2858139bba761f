package broker

import (
	"encoding/json"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Broker publishes committed activation changes and accepted scans to NATS.
// Delivery is best effort; subscribers detect gaps through Change.Seq.
type Broker struct {
	Conn *nats.Conn
}

func NewBroker(nc *nats.Conn) *Broker {
	return &Broker{Conn: nc}
}

func (b *Broker) PublishChange(c comm.Change) error {
	payload, err := comm.EncodeChange(c)
	if err != nil {
		log.Errorf("error [PublishChange] marshaling change %s %d: %v", c.Kind, c.EventID, err)
		return err
	}

	return b.Publish(comm.SubjectFeed, payload)
}

func (b *Broker) PublishScan(r comm.ScanRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		log.Errorf("error [PublishScan] marshaling scan %d: %v", r.ScanID, err)
		return err
	}

	msg := &comm.WSMessage{
		Type: comm.TypeScanAccepted,
		Data: data,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("error [PublishScan] marshaling WSMessage: %v", err)
		return err
	}

	return b.Publish(comm.SubjectScans, payload)
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
