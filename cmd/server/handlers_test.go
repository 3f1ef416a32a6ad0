package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/matst80/factcheck/internal/mediacache"
	"github.com/matst80/factcheck/internal/proto"
	"github.com/matst80/factcheck/internal/ratelimit"
	"github.com/matst80/factcheck/internal/transport"
	"github.com/matst80/factcheck/internal/upload"
)

type devHarness struct {
	cfg   *Config
	state *serverState
	svc   *service
	srv   *httptest.Server
	ch    *transport.Channel
}

func newDevHarness(t *testing.T, tune func(*Config)) *devHarness {
	t.Helper()
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	cfg.RequestRate = 0
	if tune != nil {
		tune(&cfg)
	}
	state := newServerState(clockwork.NewRealClock(), cfg.TicketTTL)
	svc := newService(&cfg, state, ratelimit.NewLimiter(clockwork.NewFakeClock(), 0, cfg.RequestRate, cfg.Burst))
	srv := httptest.NewUnstartedServer(svc.routes())
	cfg.PublicURL = "http://" + srv.Listener.Addr().String()
	srv.Start()
	t.Cleanup(srv.Close)

	ch := transport.New(transport.Config{URL: srv.URL}, &transport.WebSocketDialer{})
	t.Cleanup(func() { _ = ch.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	require.Eventually(t, func() bool { return state.getStats().Sessions == 1 }, 2*time.Second, 10*time.Millisecond)
	return &devHarness{cfg: &cfg, state: state, svc: svc, srv: srv, ch: ch}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUploadFlowAgainstDevService(t *testing.T) {
	h := newDevHarness(t, nil)
	cache := mediacache.New(mediacache.NewPreviewServer("http://127.0.0.1:1"))
	coord := upload.NewCoordinator(h.ch, &upload.HTTPPutter{Client: h.srv.Client()}, cache)

	var seen []int
	res, err := coord.UploadAndAnalyze(testContext(t), upload.File{Name: "report.mp4", ContentType: "video/mp4", Data: []byte("not really a video")}, func(p upload.Progress) {
		if !p.Cleared {
			seen = append(seen, p.Percent)
		}
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 10, 30, 60, 70}, seen)
	require.True(t, strings.HasPrefix(res.S3URI, "s3://factcheck-media/uploads/"))

	rep := res.Result.Result.Output.Report
	require.NotNil(t, rep)
	require.Equal(t, proto.InputVideo, rep.InputType)
	require.Equal(t, res.S3URI, rep.MediaURI)
	require.Len(t, rep.Claims, 1)
	require.NotNil(t, rep.Claims[0].StartTime)

	st := h.state.getStats()
	require.Equal(t, 1, st.Uploaded)
	require.Equal(t, int64(len("not really a video")), st.Bytes)
	require.Equal(t, int64(1), st.Verifications)
}

func TestVerifyTextAndChat(t *testing.T) {
	h := newDevHarness(t, nil)
	ctx := testContext(t)

	res, err := h.ch.Verify(ctx, "The moon is made of cheese. Water boils at 100C at sea level.")
	require.NoError(t, err)
	require.Equal(t, proto.ResponseStructuredReport, res.Result.ResponseType)
	require.Equal(t, proto.InputText, res.Result.Output.Report.InputType)
	require.Len(t, res.Result.Output.Report.Claims, 2)

	res, err = h.ch.Verify(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, proto.ResponseMessage, res.Result.ResponseType)
	require.NotEmpty(t, res.Result.Output.Text)
}

func TestVerifyFailures(t *testing.T) {
	h := newDevHarness(t, nil)
	ctx := testContext(t)

	var remote *transport.RemoteError
	_, err := h.ch.Verify(ctx, "s3://factcheck-media/uploads/missing/a.mp4")
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, "object not found")

	_, err = h.ch.Verify(ctx, "s3://other-bucket/a.mp4")
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "unknown bucket", remote.Message)

	_, err = h.ch.RequestUploadURL(ctx, "notes.txt", "text/plain")
	require.ErrorAs(t, err, &remote)

	resp, err := h.ch.Call(ctx, proto.Request{Action: "translate"})
	require.NoError(t, err)
	require.Equal(t, proto.StatusVerificationFailed, resp.Status)
	require.Contains(t, resp.Error, "unknown action")

	resp, err = h.ch.Call(ctx, proto.Request{Action: proto.ActionPing})
	require.NoError(t, err)
	require.Equal(t, proto.StatusPong, resp.Status)
}

func TestVerifyIsRateLimitedPerSession(t *testing.T) {
	h := newDevHarness(t, func(c *Config) {
		c.RequestRate = 1
		c.Burst = 2
	})
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		_, err := h.ch.Verify(ctx, "hi")
		require.NoError(t, err)
	}
	_, err := h.ch.Verify(ctx, "hi")
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "rate limit exceeded", remote.Message)
	require.Equal(t, int64(1), h.state.getStats().Rejected)
}

func TestPutRejectsBadRequests(t *testing.T) {
	h := newDevHarness(t, func(c *Config) { c.MaxUploadBytes = 4 })
	cred, err := h.ch.RequestUploadURL(testContext(t), "../../etc/clip one.mp3", "audio/mpeg")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(cred.ObjectKey, "/clip_one.mp3"))

	put := func(url, ct, body string) int {
		req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", ct)
		resp, err := h.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	badToken := strings.Replace(cred.URL, "token=", "token=x", 1)
	require.Equal(t, http.StatusForbidden, put(badToken, "audio/mpeg", "abc"))
	require.Equal(t, http.StatusUnsupportedMediaType, put(cred.URL, "video/mp4", "abc"))
	require.Equal(t, http.StatusNotFound, put(h.srv.URL+"/objects/uploads/nope/a.mp3", "audio/mpeg", "abc"))
	require.Equal(t, http.StatusRequestEntityTooLarge, put(cred.URL, "audio/mpeg", "abcdef"))
	require.Equal(t, http.StatusOK, put(cred.URL, "audio/mpeg", "abc"))
}

func TestMetricsEndpoints(t *testing.T) {
	state := newServerState(clockwork.NewRealClock(), time.Minute)
	srv := httptest.NewServer(metricsMux(state))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	require.Equal(t, http.StatusOK, get("/healthz").StatusCode)
	require.Equal(t, http.StatusServiceUnavailable, get("/readyz").StatusCode)
	state.setReady(true)
	require.Equal(t, http.StatusOK, get("/readyz").StatusCode)

	state.registerSession("a")
	var st Stats
	require.NoError(t, json.NewDecoder(get("/api/state").Body).Decode(&st))
	require.Equal(t, 1, st.Sessions)
	require.Equal(t, "in-memory", st.Backend)

	dash := get("/dashboard")
	require.Equal(t, http.StatusOK, dash.StatusCode)
	require.Contains(t, dash.Header.Get("Content-Type"), "text/html")

	require.Equal(t, http.StatusOK, get("/metrics").StatusCode)
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "report.mp4", sanitizeName("report.mp4"))
	require.Equal(t, "my_clip__1_.wav", sanitizeName("my clip (1).wav"))
	require.Equal(t, "x.mp4", sanitizeName(`C:\videos\x.mp4`))
	require.Equal(t, "", sanitizeName(""))
}
