// Package transporttest provides in-memory streams and dialers for exercising
// transport.Channel without a network.
package transporttest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/proto"
	"github.com/matst80/factcheck/internal/transport"
)

var ErrStreamClosed = errors.New("transporttest: stream closed")

// Responder is invoked synchronously for every frame the client writes.
type Responder func(s *Stream, req proto.Request)

// Stream is an in-memory transport.Stream. The test plays the remote side
// through Deliver, Respond and Drop.
type Stream struct {
	mu        sync.Mutex
	sent      [][]byte
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	written   chan struct{}
	responder Responder
}

var _ transport.Stream = (*Stream)(nil)

func NewStream(r Responder) *Stream {
	return &Stream{
		inbox:     make(chan []byte, 256),
		closed:    make(chan struct{}),
		written:   make(chan struct{}, 256),
		responder: r,
	}
}

func (s *Stream) ReadMessage() ([]byte, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	default:
	}
	select {
	case b := <-s.inbox:
		return b, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *Stream) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	r := s.responder
	s.mu.Unlock()
	select {
	case s.written <- struct{}{}:
	default:
	}
	if r != nil {
		var req proto.Request
		if err := json.Unmarshal(data, &req); err == nil {
			r(s, req)
		}
	}
	return nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Drop simulates the remote side going away.
func (s *Stream) Drop() { _ = s.Close() }

func (s *Stream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Deliver queues a raw inbound frame.
func (s *Stream) Deliver(b []byte) {
	select {
	case s.inbox <- b:
	case <-s.closed:
	}
}

// Respond queues resp as an inbound JSON frame.
func (s *Stream) Respond(resp proto.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	s.Deliver(b)
}

// Sent returns every request written so far, in order.
func (s *Stream) Sent() []proto.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.Request, 0, len(s.sent))
	for _, b := range s.sent {
		var req proto.Request
		if err := json.Unmarshal(b, &req); err == nil {
			out = append(out, req)
		}
	}
	return out
}

// SentActions filters Sent by action.
func (s *Stream) SentActions(a proto.Action) []proto.Request {
	var out []proto.Request
	for _, r := range s.Sent() {
		if r.Action == a {
			out = append(out, r)
		}
	}
	return out
}

// WaitSent blocks until at least n frames have been written or ctx ends.
func (s *Stream) WaitSent(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		have := len(s.sent)
		s.mu.Unlock()
		if have >= n {
			return nil
		}
		select {
		case <-s.written:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dialer hands out Streams. Queue failures with FailNext.
type Dialer struct {
	mu        sync.Mutex
	failures  []error
	streams   []*Stream
	dials     int
	responder Responder
	dialed    chan struct{}
}

var _ transport.Dialer = (*Dialer)(nil)

func NewDialer(r Responder) *Dialer {
	return &Dialer{responder: r, dialed: make(chan struct{}, 256)}
}

// FailNext makes the next n dials fail with err.
func (d *Dialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Stream, error) {
	d.mu.Lock()
	d.dials++
	var err error
	if len(d.failures) > 0 {
		err, d.failures = d.failures[0], d.failures[1:]
	}
	var s *Stream
	if err == nil {
		s = NewStream(d.responder)
		d.streams = append(d.streams, s)
	}
	d.mu.Unlock()
	select {
	case d.dialed <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Stream returns the i-th successfully dialed stream.
func (d *Dialer) Stream(i int) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

// Last returns the most recently dialed stream.
func (d *Dialer) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// WaitDials blocks until at least n dials were attempted or ctx ends.
func (d *Dialer) WaitDials(ctx context.Context, n int) error {
	for {
		if d.Dials() >= n {
			return nil
		}
		select {
		case <-d.dialed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EchoService answers like a healthy verification service: pong for pings,
// an upload credential for create_presigned_url and a text report for verify.
func EchoService(s *Stream, req proto.Request) {
	switch req.Action {
	case proto.ActionPing:
		s.Respond(proto.Response{Status: proto.StatusPong, RequestID: req.RequestID})
	case proto.ActionCreatePresignedURL:
		key := "uploads/test/" + req.Filename
		s.Respond(proto.Response{
			Status:    proto.StatusPresignedURLGenerated,
			RequestID: req.RequestID,
			PresignedURLData: &proto.PresignedURL{
				URL:       "http://storage.invalid/" + key,
				ObjectKey: key,
				S3URI:     "s3://test-bucket/" + key,
			},
		})
	case proto.ActionVerify:
		s.Respond(proto.Response{
			Status:    proto.StatusVerificationCompleted,
			RequestID: req.RequestID,
			Result: &proto.VerificationResult{
				Timestamp: "2025-01-01T00:00:00Z",
				Result: proto.AgentOutput{
					ResponseType: proto.ResponseMessage,
					Output:       proto.Output{Text: "checked: " + req.Prompt},
				},
			},
		})
	}
}
