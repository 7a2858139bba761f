package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/attendance-services/internal/comm"
)

type fakeProjector struct {
	seen     map[int64]bool
	err      error
	failures int
	calls    int
}

func (p *fakeProjector) Apply(_ context.Context, rec comm.ScanRecord) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	if p.failures > 0 {
		p.failures--
		return false, errors.New("tally update failed")
	}
	if p.seen[rec.ScanID] {
		return false, nil
	}
	p.seen[rec.ScanID] = true
	return true, nil
}

func scanMessage(t *testing.T, rec comm.ScanRecord) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	raw, err := json.Marshal(comm.WSMessage{Type: comm.TypeScanAccepted, Data: data})
	require.NoError(t, err)
	return &nats.Msg{Data: raw}
}

func TestHandleMessagesProjectsScans(t *testing.T) {
	p := &fakeProjector{seen: map[int64]bool{}}
	b := NewBroker(nil, p, time.Second)

	rec := comm.ScanRecord{ScanID: 7, EventID: 2, MemberID: 10, ScannedAt: time.Now()}
	b.handleMessages(scanMessage(t, rec))
	b.handleMessages(scanMessage(t, rec))
	b.handleMessages(scanMessage(t, comm.ScanRecord{ScanID: 0, EventID: 2}))
	b.handleMessages(&nats.Msg{Data: []byte(`{"type":"event-activated","data":{}}`)})

	require.Equal(t, map[int64]bool{7: true}, p.seen)
}

func newTestBroker(p Projector, timeout time.Duration) *Broker {
	b := NewBroker(nil, p, timeout)
	b.backOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return b
}

func TestHandleMessagesRetriesFailedApply(t *testing.T) {
	p := &fakeProjector{seen: map[int64]bool{}, failures: 2}
	b := newTestBroker(p, time.Second)

	b.handleMessages(scanMessage(t, comm.ScanRecord{ScanID: 4, EventID: 1, ScannedAt: time.Now()}))

	require.Equal(t, 3, p.calls)
	require.Equal(t, map[int64]bool{4: true}, p.seen)
}

func TestHandleMessagesSurvivesProjectorFailure(t *testing.T) {
	p := &fakeProjector{seen: map[int64]bool{}, err: errors.New("mongo down")}
	b := newTestBroker(p, 20*time.Millisecond)

	require.NotPanics(t, func() {
		b.handleMessages(scanMessage(t, comm.ScanRecord{ScanID: 1, EventID: 1, ScannedAt: time.Now()}))
	})
	require.Empty(t, p.seen)
	require.Greater(t, p.calls, 1)
}
