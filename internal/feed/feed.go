// Package feed fans activation changes out to subscribers without letting a slow
// subscriber hold up the others. A subscriber that falls behind is cut off and must
// resync from the authoritative read; the feed never replays history.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/observability"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrOverflow ends a subscription whose queue filled up.
	ErrOverflow = errors.New("feed: subscriber queue overflow")
	// ErrFeedDisconnected ends every subscription when the upstream feed drops.
	ErrFeedDisconnected = errors.New("feed: upstream disconnected")
	// ErrClosed ends a subscription closed by its owner or by broker shutdown.
	ErrClosed = errors.New("feed: closed")
)

// Subscription is one subscriber's ordered view of the feed. Changes is closed
// when the subscription ends; Err then tells why.
type Subscription struct {
	ID string

	ch     chan comm.Change
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	detach func(*Subscription)
}

// NewSubscription builds a standalone subscription so other transports can
// present the same stream semantics.
func NewSubscription(size int) *Subscription {
	if size < 1 {
		size = 1
	}
	return &Subscription{
		ID:   uuid.New().String(),
		ch:   make(chan comm.Change, size),
		done: make(chan struct{}),
	}
}

func (s *Subscription) Changes() <-chan comm.Change {
	return s.ch
}

// Done is closed when the subscription ends, before Changes is drained.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Deliver enqueues c without blocking. A full queue ends the subscription with
// ErrOverflow and reports false.
func (s *Subscription) Deliver(c comm.Change) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	select {
	case s.ch <- c:
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Unlock()

	observability.RecordFeedOverflow()
	s.CloseWithError(ErrOverflow)
	return false
}

// CloseWithError ends the subscription. Only the first reason sticks.
func (s *Subscription) CloseWithError(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		close(s.ch)
		detach := s.detach
		s.mu.Unlock()

		if detach != nil {
			detach(s)
		}
	})
}

func (s *Subscription) Close() {
	s.CloseWithError(ErrClosed)
}

// Broker is the in-process change feed. Publish hands changes to the fan-out loop
// started by Run; the loop delivers them in publish order to every subscriber.
type Broker struct {
	queueSize int
	in        chan comm.Change

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

func NewBroker(queueSize int) *Broker {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Broker{
		queueSize: queueSize,
		in:        make(chan comm.Change, 256),
		subs:      make(map[string]*Subscription),
	}
}

func (b *Broker) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := NewSubscription(b.queueSize)
	s.detach = b.remove

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[s.ID] = s
	n := len(b.subs)
	b.mu.Unlock()

	observability.SetFeedSubscribers(n)
	log.Debugf("feed subscriber %s attached (%d total)", s.ID, n)
	return s, nil
}

// Publish queues c for fan-out. When the broker's own inbox is full every
// subscriber has missed data, so all of them are reset instead of blocking.
func (b *Broker) Publish(c comm.Change) {
	select {
	case b.in <- c:
	default:
		log.Warnf("feed inbox full, dropping seq %d and resetting subscribers", c.Seq)
		b.Reset(ErrOverflow)
	}
}

// Run is the fan-out loop. It returns when ctx is done, closing all subscriptions.
func (b *Broker) Run(ctx context.Context) {
	defer b.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-b.in:
			for _, s := range b.snapshot() {
				if !s.Deliver(c) {
					log.Warnf("feed subscriber %s dropped at seq %d: %v", s.ID, c.Seq, s.Err())
				}
			}
		}
	}
}

// Reset ends every current subscription with err. Subscribers reconnect and resync.
func (b *Broker) Reset(err error) {
	for _, s := range b.snapshot() {
		s.CloseWithError(err)
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Reset(ErrClosed)
}

func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) snapshot() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.ID)
	n := len(b.subs)
	b.mu.Unlock()
	observability.SetFeedSubscribers(n)
}
