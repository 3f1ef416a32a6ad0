// Package transport multiplexes request/response calls over one persistent
// duplex connection to the verification service. Replies are correlated by
// request id, the connection is kept alive with a heartbeat, and lost
// connections are retried with linear backoff until the channel degrades.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/obs"
	"github.com/matst80/factcheck/internal/proto"
)

const (
	DefaultHeartbeatInterval    = 100 * time.Second
	DefaultCallTimeout          = 2000 * time.Second
	DefaultReconnectBase        = 3 * time.Second
	DefaultReconnectCap         = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultDialTimeout          = 15 * time.Second
)

type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	CallTimeout          time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	// RetainPendingOnClose leaves in-flight calls waiting for their own timeout
	// after a disconnect instead of failing them with ErrConnectionLost.
	RetainPendingOnClose bool

	Clock         clockwork.Clock
	NewRequestID  func() string
	OnStateChange func(StateEvent)
}

func (c *Config) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.NewRequestID == nil {
		c.NewRequestID = func() string { return "req_" + uuid.NewString() }
	}
}

var pingFrame, _ = json.Marshal(proto.Request{Action: proto.ActionPing})

type callResult struct {
	resp *proto.Response
	err  error
}

type pendingCall struct {
	id      string
	action  proto.Action
	created time.Time
	timer   clockwork.Timer
	done    chan callResult
}

// finish must only be called by whoever removed the call from the pending map.
func (p *pendingCall) finish(r callResult) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- r
}

// Channel is safe for concurrent use.
type Channel struct {
	cfg    Config
	url    string
	dialer Dialer

	mu       sync.Mutex
	state    State
	stream   Stream
	attempts int
	pending  map[string]*pendingCall
	hbStop   chan struct{}
	hbTicker clockwork.Ticker
	retry    clockwork.Timer
	changed  chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config, dialer Dialer) *Channel {
	cfg.norm()
	return &Channel{
		cfg:     cfg,
		url:     SocketURL(cfg.URL),
		dialer:  dialer,
		pending: make(map[string]*pendingCall),
		changed: make(chan struct{}),
	}
}

func (c *Channel) URL() string { return c.url }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of consecutive failed connection attempts.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Pending counts calls awaiting a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect opens the stream. It is a no-op while a stream is open or a dial is
// in flight. A failed dial enters the reconnection policy and is also returned.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.stopRetryLocked()
	ev := c.setStateLocked(StateConnecting, 0, nil)
	c.mu.Unlock()
	c.emit(ev)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	stream, err := c.dialer.Dial(dctx, c.url)
	cancel()
	if err != nil {
		obs.Error("transport.dial", obs.Fields{"url": c.url, "err": err.Error()})
		c.connectionLost(nil, err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	c.stream = stream
	c.attempts = 0
	stop := make(chan struct{})
	ticker := c.cfg.Clock.NewTicker(c.cfg.HeartbeatInterval)
	c.hbStop, c.hbTicker = stop, ticker
	ev = c.setStateLocked(StateOpen, 0, nil)
	c.mu.Unlock()
	c.emit(ev)

	go c.readLoop(stream)
	go c.heartbeat(stream, ticker, stop)
	return nil
}

// Reconnect resets the failure counter and connects. It is the only way out of
// StateDegraded.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.mu.Unlock()
	obs.Info("transport.reconnect.manual", obs.Fields{"url": c.url})
	return c.Connect(ctx)
}

// WaitOpen blocks until the channel is open. It fails fast once the channel
// is degraded or closed.
func (c *Channel) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		st, ch := c.state, c.changed
		c.mu.Unlock()
		switch st {
		case StateOpen:
			return nil
		case StateDegraded:
			return ErrDegraded
		case StateClosed:
			return ErrClosed
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Call sends req with a fresh correlation id and waits for the matching reply.
// Abandoning ctx removes the call locally; the service is not told.
func (c *Channel) Call(ctx context.Context, req proto.Request) (*proto.Response, error) {
	action := string(req.Action)
	c.mu.Lock()
	if c.state != StateOpen {
		st := c.state
		c.mu.Unlock()
		obs.CallsTotal.WithLabelValues(action, "not_connected").Inc()
		switch st {
		case StateDegraded:
			return nil, ErrDegraded
		case StateClosed:
			return nil, ErrClosed
		}
		return nil, ErrNotConnected
	}
	stream := c.stream
	id := c.cfg.NewRequestID()
	for c.pending[id] != nil {
		id = c.cfg.NewRequestID()
	}
	p := &pendingCall{id: id, action: req.Action, created: c.cfg.Clock.Now(), done: make(chan callResult, 1)}
	c.pending[id] = p
	p.timer = c.cfg.Clock.AfterFunc(c.cfg.CallTimeout, func() { c.expire(id) })
	obs.PendingCalls.Set(float64(len(c.pending)))
	c.mu.Unlock()

	req.RequestID = id
	b, err := json.Marshal(req)
	if err == nil {
		err = c.write(stream, b)
	}
	if err != nil {
		if c.take(id) != nil {
			p.timer.Stop()
			obs.CallsTotal.WithLabelValues(action, "send_error").Inc()
			return nil, errors.Wrap(err, "send "+action)
		}
		r := <-p.done
		return c.outcome(action, r)
	}
	obs.Debug("transport.call.sent", obs.Fields{"id": id, "action": action})

	select {
	case r := <-p.done:
		return c.outcome(action, r)
	case <-ctx.Done():
		if c.take(id) != nil {
			p.timer.Stop()
			obs.CallsTotal.WithLabelValues(action, "abandoned").Inc()
			return nil, ctx.Err()
		}
		r := <-p.done
		return c.outcome(action, r)
	}
}

func (c *Channel) outcome(action string, r callResult) (*proto.Response, error) {
	switch {
	case r.err == nil:
		obs.CallsTotal.WithLabelValues(action, "ok").Inc()
	case errors.Is(r.err, ErrCallTimeout):
		obs.CallsTotal.WithLabelValues(action, "timeout").Inc()
	default:
		obs.CallsTotal.WithLabelValues(action, "failed").Inc()
	}
	return r.resp, r.err
}

// Close shuts the channel down for good: no reconnection, pending calls fail with ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	c.stream = nil
	c.stopHeartbeatLocked()
	c.stopRetryLocked()
	failed := c.drainLocked()
	ev := c.setStateLocked(StateClosed, 0, nil)
	c.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	for _, p := range failed {
		p.finish(callResult{err: ErrClosed})
	}
	c.emit(ev)
	return err
}

func (c *Channel) readLoop(stream Stream) {
	for {
		b, err := stream.ReadMessage()
		if err != nil {
			obs.Debug("transport.read.end", obs.Fields{"err": err.Error()})
			c.connectionLost(stream, err)
			return
		}
		c.dispatch(b)
	}
}

func (c *Channel) dispatch(b []byte) {
	var resp proto.Response
	if err := json.Unmarshal(b, &resp); err != nil {
		obs.Debug("transport.inbound.malformed", obs.Fields{"err": err.Error(), "bytes": len(b)})
		obs.InboundDroppedTotal.WithLabelValues("malformed").Inc()
		return
	}
	if resp.RequestID == "" {
		obs.Debug("transport.inbound.uncorrelated", obs.Fields{"status": string(resp.Status)})
		obs.InboundDroppedTotal.WithLabelValues("uncorrelated").Inc()
		return
	}
	p := c.take(resp.RequestID)
	if p == nil {
		obs.Debug("transport.inbound.unknown", obs.Fields{"id": resp.RequestID, "status": string(resp.Status)})
		obs.InboundDroppedTotal.WithLabelValues("unknown").Inc()
		return
	}
	p.finish(callResult{resp: &resp})
}

func (c *Channel) heartbeat(stream Stream, ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			select {
			case <-stop:
				return
			default:
			}
			if err := c.write(stream, pingFrame); err != nil {
				obs.Debug("transport.heartbeat.write", obs.Fields{"err": err.Error()})
				continue
			}
			obs.HeartbeatsTotal.Inc()
		}
	}
}

func (c *Channel) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	obs.CallTimeoutsTotal.Inc()
	obs.Error("transport.call.timeout", obs.Fields{"id": id, "action": string(p.action), "age": c.cfg.Clock.Since(p.created).String()})
	p.finish(callResult{err: ErrCallTimeout})
}

// connectionLost handles both a dropped stream and a failed dial (stream == nil).
func (c *Channel) connectionLost(stream Stream, cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if stream == nil && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if stream != nil {
		if stream != c.stream {
			c.mu.Unlock()
			return
		}
		c.stream = nil
		c.stopHeartbeatLocked()
	}
	var failed []*pendingCall
	if !c.cfg.RetainPendingOnClose {
		failed = c.drainLocked()
	}
	c.attempts++
	var ev StateEvent
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		ev = c.setStateLocked(StateDegraded, 0, cause)
	} else {
		delay := c.backoff(c.attempts)
		c.retry = c.cfg.Clock.AfterFunc(delay, c.retryConnect)
		ev = c.setStateLocked(StateReconnecting, delay, cause)
	}
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	for _, p := range failed {
		p.finish(callResult{err: ErrConnectionLost})
	}
	c.emit(ev)
}

func (c *Channel) retryConnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	attempt := c.attempts
	c.mu.Unlock()
	obs.ReconnectsTotal.Inc()
	if err := c.Connect(context.Background()); err != nil {
		obs.Debug("transport.reconnect.failed", obs.Fields{"attempt": attempt, "err": err.Error()})
	}
}

func (c *Channel) backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * c.cfg.ReconnectBase
	if d > c.cfg.ReconnectCap {
		return c.cfg.ReconnectCap
	}
	return d
}

func (c *Channel) write(s Stream, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return s.WriteMessage(b)
}

func (c *Channel) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	obs.PendingCalls.Set(float64(len(c.pending)))
	return p
}

func (c *Channel) drainLocked() []*pendingCall {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, p)
		delete(c.pending, id)
	}
	obs.PendingCalls.Set(0)
	return out
}

func (c *Channel) stopHeartbeatLocked() {
	if c.hbStop == nil {
		return
	}
	close(c.hbStop)
	c.hbTicker.Stop()
	c.hbStop, c.hbTicker = nil, nil
}

func (c *Channel) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Channel) setStateLocked(to State, delay time.Duration, err error) StateEvent {
	ev := StateEvent{From: c.state, To: to, Attempt: c.attempts, Delay: delay, Err: err, At: c.cfg.Clock.Now()}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	obs.ConnectionState.Set(float64(to))
	if to == StateDegraded {
		obs.DegradedTotal.Inc()
	}
	return ev
}

func (c *Channel) emit(ev StateEvent) {
	f := obs.Fields{"from": ev.From.String(), "to": ev.To.String(), "attempt": ev.Attempt}
	if ev.Delay > 0 {
		f["delay"] = ev.Delay.String()
	}
	if ev.Err != nil {
		f["err"] = ev.Err.Error()
	}
	if ev.To == StateDegraded {
		obs.Error("transport.degraded", f)
	} else {
		obs.Info("transport.state", f)
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(ev)
	}
}
