// Package scanner runs one scanning device: it keeps a local view of the active
// event in step with the change feed and pushes decoded codes to ingestion.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/feed"
)

// Feed opens an ordered change stream. The in-process feed.Broker and RemoteFeed
// both satisfy it.
type Feed interface {
	Subscribe(ctx context.Context) (*feed.Subscription, error)
}

// API is the authoritative side: the active event read and scan ingestion.
type API interface {
	GetActive(ctx context.Context) (*comm.ActiveEventData, error)
	Process(ctx context.Context, req comm.ScanRequest) (comm.ScanResponse, error)
}

type Config struct {
	DeviceID   string
	IdleResync time.Duration
	Debounce   time.Duration
	NewBackOff func() backoff.BackOff
}

func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type Client struct {
	cfg  Config
	feed Feed
	api  API
	sink Sink
	now  func() time.Time

	resync chan struct{}

	mu    sync.Mutex
	state State

	// submission side
	lastCode   string
	lastCodeAt time.Time
	busy       bool
	pending    string
	hasPending bool
}

func New(cfg Config, f Feed, api API, sink Sink) *Client {
	if cfg.IdleResync <= 0 {
		cfg.IdleResync = 30 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = DefaultBackOff
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Client{
		cfg:    cfg,
		feed:   f,
		api:    api,
		sink:   sink,
		now:    time.Now,
		resync: make(chan struct{}, 1),
		state:  State{Phase: Disconnected},
	}
}

// State returns a snapshot safe to render from.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Run keeps the device in step with the feed until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	bo := c.cfg.NewBackOff()
	defer c.setPhase(Disconnected)

	for {
		sub, err := c.feed.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.setPhase(Disconnected)
			log.WithField("device_id", c.cfg.DeviceID).Warnf("feed subscribe failed: %v", err)
		} else {
			err = c.session(ctx, sub, bo)
			sub.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithField("device_id", c.cfg.DeviceID).Warnf("feed session ended: %v", err)
		}

		if !sleep(ctx, bo.NextBackOff()) {
			return ctx.Err()
		}
	}
}

func (c *Client) session(ctx context.Context, sub *feed.Subscription, bo backoff.BackOff) error {
	c.setPhase(Syncing)
	if err := c.sync(ctx, sub); err != nil {
		return err
	}
	bo.Reset()

	idle := time.NewTimer(c.cfg.IdleResync)
	defer idle.Stop()
	c.armIdle(idle)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ch, ok := <-sub.Changes():
			if !ok {
				c.setPhase(Stale)
				return streamErr(sub)
			}
			if c.apply(ch) {
				if err := c.sync(ctx, sub); err != nil {
					return err
				}
			}

		case <-idle.C:
			log.WithField("device_id", c.cfg.DeviceID).Debug("idle resync")
			if err := c.sync(ctx, sub); err != nil {
				return err
			}

		case <-c.resync:
			if err := c.sync(ctx, sub); err != nil {
				return err
			}
		}
		c.armIdle(idle)
	}
}

// sync replaces the local view with the authoritative read. Changes already
// queued on sub with a seq at or below the read are ignored afterwards.
func (c *Client) sync(ctx context.Context, sub *feed.Subscription) error {
	active, err := c.api.GetActive(ctx)
	if err != nil {
		c.setPhase(Stale)
		return fmt.Errorf("get active: %w", err)
	}

	// a read that raced with the stream ending cannot be trusted
	select {
	case <-sub.Done():
		c.setPhase(Stale)
		return fmt.Errorf("stream ended during sync: %w", streamErr(sub))
	default:
	}

	c.mu.Lock()
	prev := c.state.EventID()
	c.state.Phase = Ready
	c.state.Seq = active.Seq
	c.state.Event = nil
	if active.Event != nil {
		e := *active.Event
		c.state.Event = &e
	}
	if c.state.EventID() != prev {
		c.state.Seen = nil
	}
	snap := c.state.clone()
	c.mu.Unlock()

	log.WithFields(log.Fields{"device_id": c.cfg.DeviceID, "event_id": snap.EventID(), "seq": snap.Seq}).Info("synced active event")
	c.sink.StateChanged(snap)
	return nil
}

// apply folds one change into the local view and reports whether a gap was
// detected and the view must be re-read.
func (c *Client) apply(ch comm.Change) bool {
	c.mu.Lock()
	st := &c.state

	if ch.Seq <= st.Seq {
		have := st.Seq
		c.mu.Unlock()
		log.Debugf("ignoring change seq %d at %d", ch.Seq, have)
		return false
	}
	if ch.Seq > st.Seq+1 {
		log.WithField("device_id", c.cfg.DeviceID).Warnf("feed gap: have seq %d, got %d", st.Seq, ch.Seq)
		st.Phase = Stale
		snap := st.clone()
		c.mu.Unlock()
		c.sink.StateChanged(snap)
		return true
	}

	st.Seq = ch.Seq
	changed := false
	switch ch.Kind {
	case comm.EventActivated:
		if st.Event == nil || st.Event.ID != ch.EventID {
			at := ch.At
			st.Event = &comm.EventData{ID: ch.EventID, Name: ch.EventName, IsActive: true, ActivatedAt: &at}
			st.Seen = nil
			changed = true
		}
	case comm.EventDeactivated:
		if st.Event != nil && st.Event.ID == ch.EventID {
			st.Event = nil
			st.Seen = nil
			changed = true
		}
	}
	snap := st.clone()
	c.mu.Unlock()

	if changed {
		c.sink.StateChanged(snap)
	}
	return false
}

func (c *Client) armIdle(t *time.Timer) {
	st := c.State()
	if st.Phase == Ready && st.Event == nil {
		t.Reset(c.cfg.IdleResync)
		return
	}
	t.Stop()
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	if c.state.Phase == p {
		c.mu.Unlock()
		return
	}
	c.state.Phase = p
	snap := c.state.clone()
	c.mu.Unlock()
	c.sink.StateChanged(snap)
}

func (c *Client) requestResync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

// Submit hands a decoded code to ingestion without blocking. It reports false
// when the code was debounced or dropped because the device is busy.
func (c *Client) Submit(ctx context.Context, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}

	c.mu.Lock()
	now := c.now()
	if code == c.lastCode && now.Sub(c.lastCodeAt) < c.cfg.Debounce {
		c.mu.Unlock()
		return false
	}
	if c.busy {
		if c.hasPending {
			c.mu.Unlock()
			log.WithField("device_id", c.cfg.DeviceID).Debugf("dropping %s, ingestion busy", code)
			return false
		}
		c.pending, c.hasPending = code, true
		c.lastCode, c.lastCodeAt = code, now
		c.mu.Unlock()
		return true
	}
	c.busy = true
	c.lastCode, c.lastCodeAt = code, now
	c.mu.Unlock()

	go c.work(ctx, code)
	return true
}

func (c *Client) work(ctx context.Context, code string) {
	for {
		c.sink.ScanOutcome(c.process(ctx, code))

		c.mu.Lock()
		if !c.hasPending {
			c.busy = false
			c.mu.Unlock()
			return
		}
		code = c.pending
		c.pending, c.hasPending = "", false
		c.mu.Unlock()
	}
}

func (c *Client) process(ctx context.Context, code string) Outcome {
	st := c.State()
	out := Outcome{Code: code, EventID: st.EventID(), At: c.now()}

	// Stale, Syncing and Ready(none) never reach the server
	if !st.CanScan() {
		c.forget(code)
		out.Response = comm.ScanResponse{Outcome: comm.OutcomeNoActiveEvent}
		return out
	}

	resp, err := c.api.Process(ctx, comm.ScanRequest{Code: code, EventID: st.Event.ID, DeviceID: c.cfg.DeviceID})
	if err != nil {
		out.Err = err
		if resp.Outcome == "" {
			resp.Outcome = comm.OutcomeFailed
		}
		out.Response = resp
		return out
	}
	out.Response = resp

	switch resp.Outcome {
	case comm.OutcomeAccepted:
		c.remember(st.Event.ID, resp.MemberName)
	case comm.OutcomeNoActiveEvent:
		// the server disagrees with our view
		c.requestResync()
	}
	return out
}

func (c *Client) remember(eventID int64, name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	if c.state.EventID() != eventID {
		c.mu.Unlock()
		return
	}
	c.state.Seen = append(c.state.Seen, name)
	snap := c.state.clone()
	c.mu.Unlock()

	c.sink.StateChanged(snap)
}

// forget lifts the debounce for a code that never reached the server.
func (c *Client) forget(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCode == code {
		c.lastCode, c.lastCodeAt = "", time.Time{}
	}
}

func streamErr(sub *feed.Subscription) error {
	if err := sub.Err(); err != nil {
		return err
	}
	return errors.New("change stream closed")
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = 30 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
