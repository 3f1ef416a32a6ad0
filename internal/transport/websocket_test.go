package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/matst80/factcheck/internal/proto"
	"github.com/matst80/factcheck/internal/transport"
)

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req proto.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := proto.Response{Status: proto.StatusPong, RequestID: req.RequestID}
			if req.Action == proto.ActionVerify {
				resp = proto.Response{Status: proto.StatusVerificationFailed, Error: "echo " + req.Prompt, RequestID: req.RequestID}
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := transport.New(transport.Config{URL: srv.URL}, &transport.WebSocketDialer{WriteTimeout: time.Second})
	defer ch.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	resp, err := ch.Call(ctx, proto.Request{Action: proto.ActionPing})
	require.NoError(t, err)
	require.Equal(t, proto.StatusPong, resp.Status)

	_, err = ch.Verify(ctx, "sky is green")
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "echo sky is green", remote.Message)
}

func TestWebSocketDialFailureEntersReconnect(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ch := transport.New(transport.Config{URL: srv.URL}, &transport.WebSocketDialer{})
	defer ch.Close()

	err := ch.Connect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshake status 404")
	require.Equal(t, transport.StateReconnecting, ch.State())
}
