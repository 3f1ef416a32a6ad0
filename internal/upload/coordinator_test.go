package upload_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/matst80/factcheck/internal/mediacache"
	"github.com/matst80/factcheck/internal/proto"
	"github.com/matst80/factcheck/internal/transport"
	"github.com/matst80/factcheck/internal/transport/transporttest"
	"github.com/matst80/factcheck/internal/upload"
)

type progressLog struct {
	mu  sync.Mutex
	out []upload.Progress
}

func (l *progressLog) record(p upload.Progress) {
	l.mu.Lock()
	l.out = append(l.out, p)
	l.mu.Unlock()
}

func (l *progressLog) percents() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, p := range l.out {
		if p.Cleared {
			out = append(out, -1)
			continue
		}
		out = append(out, p.Percent)
	}
	return out
}

type storage struct {
	mu          sync.Mutex
	status      int
	contentType string
	body        []byte
	puts        int
}

func newStorage(t *testing.T, status int) (*storage, *httptest.Server) {
	st := &storage{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		st.mu.Lock()
		st.puts++
		st.contentType = r.Header.Get("Content-Type")
		st.body = b
		code := st.status
		st.mu.Unlock()
		if r.Method != http.MethodPut {
			code = http.StatusMethodNotAllowed
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return st, srv
}

// storageService answers like the verification service, handing out URLs on srv.
func storageService(srv *httptest.Server) transporttest.Responder {
	return func(s *transporttest.Stream, req proto.Request) {
		switch req.Action {
		case proto.ActionCreatePresignedURL:
			key := "uploads/abc/" + req.Filename
			s.Respond(proto.Response{
				Status:    proto.StatusPresignedURLGenerated,
				RequestID: req.RequestID,
				PresignedURLData: &proto.PresignedURL{
					URL:       srv.URL + "/" + key + "?sig=1",
					ObjectKey: key,
					S3URI:     "s3://media/" + key,
				},
			})
		default:
			transporttest.EchoService(s, req)
		}
	}
}

func connected(t *testing.T, r transporttest.Responder) (*transport.Channel, *transporttest.Dialer) {
	t.Helper()
	d := transporttest.NewDialer(r)
	ch := transport.New(transport.Config{URL: "ws://verifier.test"}, d)
	t.Cleanup(func() { _ = ch.Close() })
	require.NoError(t, ch.Connect(context.Background()))
	return ch, d
}

func TestUploadAndAnalyzeHappyPath(t *testing.T) {
	st, srv := newStorage(t, http.StatusOK)
	ch, d := connected(t, storageService(srv))
	cache := mediacache.New(mediacache.NewPreviewServer("http://127.0.0.1:1"))
	coord := upload.NewCoordinator(ch, &upload.HTTPPutter{Client: srv.Client()}, cache)

	var progress progressLog
	res, err := coord.UploadAndAnalyze(context.Background(), upload.File{Name: "report.mp4", ContentType: "video/mp4", Data: []byte("fake video")}, progress.record)
	require.NoError(t, err)

	require.Equal(t, []int{0, 10, 30, 60, 70, -1}, progress.percents())

	sent := d.Last().Sent()
	require.Len(t, sent, 2)
	require.Equal(t, proto.ActionCreatePresignedURL, sent[0].Action)
	require.Equal(t, "report.mp4", sent[0].Filename)
	require.Equal(t, "video/mp4", sent[0].ContentType)
	require.Equal(t, proto.ActionVerify, sent[1].Action)
	require.Equal(t, "s3://media/uploads/abc/report.mp4", sent[1].Prompt)

	st.mu.Lock()
	require.Equal(t, 1, st.puts)
	require.Equal(t, "video/mp4", st.contentType)
	require.Equal(t, "fake video", string(st.body))
	st.mu.Unlock()

	require.Equal(t, "checked: s3://media/uploads/abc/report.mp4", res.Result.Result.Output.Text)
	require.Equal(t, "uploads/abc/report.mp4", res.ObjectKey)
	require.NotEmpty(t, res.PreviewURL)
	e, ok := cache.Get(res.MediaID)
	require.True(t, ok)
	require.Equal(t, res.PreviewURL, e.URL)
}

func TestUploadTransferFailureStopsBeforeAnalysis(t *testing.T) {
	_, srv := newStorage(t, http.StatusForbidden)
	ch, d := connected(t, storageService(srv))
	cache := mediacache.New(mediacache.NewPreviewServer("http://127.0.0.1:1"))
	coord := upload.NewCoordinator(ch, &upload.HTTPPutter{Client: srv.Client()}, cache)

	var progress progressLog
	_, err := coord.UploadAndAnalyze(context.Background(), upload.File{Name: "clip.mp3", ContentType: "audio/mpeg", Data: []byte("x")}, progress.record)
	require.ErrorIs(t, err, upload.ErrUpload)

	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, upload.StageTransfer, ue.Stage)
	var te *upload.TransferError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusForbidden, te.StatusCode)

	require.Equal(t, []int{0, 10, 30, -1}, progress.percents())
	require.Empty(t, d.Last().SentActions(proto.ActionVerify))
	require.Zero(t, cache.Len())
}

func TestUploadCredentialFailure(t *testing.T) {
	st, _ := newStorage(t, http.StatusOK)
	refusing := func(s *transporttest.Stream, req proto.Request) {
		s.Respond(proto.Response{Status: proto.StatusVerificationFailed, Error: "bucket unavailable", RequestID: req.RequestID})
	}
	ch, d := connected(t, refusing)
	coord := upload.NewCoordinator(ch, &upload.HTTPPutter{}, mediacache.New(mediacache.NewPreviewServer("http://127.0.0.1:1")))

	var progress progressLog
	_, err := coord.UploadAndAnalyze(context.Background(), upload.File{Name: "a.mp4", ContentType: "video/mp4"}, progress.record)
	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, upload.StageCredential, ue.Stage)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "bucket unavailable", remote.Message)

	require.Equal(t, []int{0, -1}, progress.percents())
	require.Len(t, d.Last().Sent(), 1)
	require.Zero(t, st.puts)
}

func TestUploadRejectsNonMedia(t *testing.T) {
	svc := &fakeService{}
	coord := upload.NewCoordinator(svc, &memPutter{}, mediacache.New(mediacache.NewPreviewServer("http://x")))

	var progress progressLog
	_, err := coord.UploadAndAnalyze(context.Background(), upload.File{Name: "notes.txt", ContentType: "text/plain"}, progress.record)
	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, upload.StageValidate, ue.Stage)
	require.Empty(t, progress.percents())
	require.Zero(t, svc.calls())

	coord = upload.NewCoordinator(svc, &memPutter{}, mediacache.New(mediacache.NewPreviewServer("http://x")), upload.WithAllowedTypes())
	_, err = coord.UploadAndAnalyze(context.Background(), upload.File{Name: "notes.txt", ContentType: "text/plain"}, nil)
	require.NoError(t, err)
}

func TestUploadAnalysisFailure(t *testing.T) {
	svc := &fakeService{verifyErr: &transport.RemoteError{Status: proto.StatusVerificationFailed, Message: "model offline"}}
	coord := upload.NewCoordinator(svc, &memPutter{}, mediacache.New(mediacache.NewPreviewServer("http://x")))

	var progress progressLog
	_, err := coord.UploadAndAnalyze(context.Background(), upload.File{Name: "a.wav", ContentType: "audio/wav", Data: []byte("RIFF")}, progress.record)
	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, upload.StageAnalysis, ue.Stage)
	require.Equal(t, []int{0, 10, 30, 60, 70, -1}, progress.percents())
}

func TestUploadFailsWhenPreviewIsGone(t *testing.T) {
	svc := &fakeService{}
	cache := mediacache.New(mediacache.NewPreviewServer("http://x"), mediacache.WithTTL(0))
	coord := upload.NewCoordinator(svc, &memPutter{}, cache)

	var progress progressLog
	res, err := coord.UploadAndAnalyze(context.Background(), upload.File{Name: "a.mp4", ContentType: "video/mp4", Data: []byte("x")}, progress.record)
	require.Nil(t, res)
	var ue *upload.Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, upload.StageCache, ue.Stage)
	require.Equal(t, []int{0, 10, 30, 60, -1}, progress.percents())
	require.Equal(t, 1, svc.calls(), "no analysis without a preview")
}

func TestCancelOnlySuppressesProgress(t *testing.T) {
	svc := &fakeService{gate: make(chan struct{})}
	putter := &memPutter{}
	coord := upload.NewCoordinator(svc, putter, mediacache.New(mediacache.NewPreviewServer("http://x")))

	var progress progressLog
	s := coord.Start(context.Background(), upload.File{Name: "talk.webm", ContentType: "video/webm", Data: []byte("data")}, progress.record)
	require.Eventually(t, func() bool { return len(progress.percents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	pct, active := s.Progress()
	require.Equal(t, 0, pct)
	require.True(t, active)

	s.Cancel()
	close(svc.gate)
	res, err := s.Wait()
	require.NoError(t, err)
	require.NotNil(t, res.Result)

	require.Equal(t, []int{0}, progress.percents())
	require.True(t, s.Cancelled())
	require.Equal(t, 1, putter.count())
	require.Equal(t, 2, svc.calls())
}

type fakeService struct {
	mu        sync.Mutex
	n         int
	gate      chan struct{}
	verifyErr error
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeService) RequestUploadURL(ctx context.Context, filename, contentType string) (*proto.PresignedURL, error) {
	f.mu.Lock()
	f.n++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &proto.PresignedURL{URL: "mem://" + filename, ObjectKey: filename, S3URI: "s3://b/" + filename}, nil
}

func (f *fakeService) Verify(ctx context.Context, prompt string) (*proto.VerificationResult, error) {
	f.mu.Lock()
	f.n++
	err := f.verifyErr
	f.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "verify")
	}
	return &proto.VerificationResult{Result: proto.AgentOutput{ResponseType: proto.ResponseMessage, Output: proto.Output{Text: prompt}}}, nil
}

type memPutter struct {
	mu sync.Mutex
	n  int
}

func (m *memPutter) Put(ctx context.Context, url, contentType string, body []byte) error {
	m.mu.Lock()
	m.n++
	m.mu.Unlock()
	return nil
}

func (m *memPutter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}
