package transport

import "context"

// Stream is one live duplex message connection. ReadMessage blocks until a
// message arrives or the stream fails; WriteMessage is never called concurrently.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Stream to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Stream, error) { return f(ctx, url) }
