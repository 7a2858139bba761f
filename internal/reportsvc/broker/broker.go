package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Projector folds accepted scans into the reporting view.
type Projector interface {
	Apply(ctx context.Context, rec comm.ScanRecord) (bool, error)
}

type Broker struct {
	Conn      *nats.Conn
	projector Projector
	timeout   time.Duration
	backOff   func() backoff.BackOff
}

func NewBroker(conn *nats.Conn, projector Projector, timeout time.Duration) *Broker {
	return &Broker{
		Conn:      conn,
		projector: projector,
		timeout:   timeout,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

// QueueSubscribe shares the scan stream between reportsvc instances so each
// record is projected once.
func (b *Broker) QueueSubscribe(topic, queueGroup string) (*nats.Subscription, error) {
	sub, err := b.Conn.QueueSubscribe(topic, queueGroup, b.handleMessages)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) handleMessages(msgNats *nats.Msg) {
	message := &comm.WSMessage{}
	if err := json.Unmarshal(msgNats.Data, message); err != nil {
		log.Errorf("Error decoding scan message: %s", err)
		return
	}

	switch message.Type {
	case comm.TypeScanAccepted:
		b.handleScan(message)
	default:
		log.Warnf("unknown message on scan stream: %s", message.Type)
	}
}

func (b *Broker) handleScan(message *comm.WSMessage) {
	var rec comm.ScanRecord
	if err := json.Unmarshal(message.Data, &rec); err != nil {
		log.Errorf("Error decoding scan record: %s", err)
		return
	}
	if rec.ScanID <= 0 || rec.EventID <= 0 {
		log.Errorf("invalid scan record %+v", rec)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	// core NATS does not redeliver, so a failed apply is retried here until
	// the timeout; after that the tally trails the ledger
	var applied bool
	err := backoff.Retry(func() error {
		var err error
		applied, err = b.projector.Apply(ctx, rec)
		return err
	}, backoff.WithContext(b.backOff(), ctx))
	if err != nil {
		log.WithFields(log.Fields{"scan_id": rec.ScanID, "event_id": rec.EventID}).Errorf("scan not projected: %v", err)
		return
	}
	if !applied {
		log.Debugf("scan %d already projected", rec.ScanID)
	}
}
