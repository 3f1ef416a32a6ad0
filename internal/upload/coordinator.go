// Package upload drives the two-phase media flow: obtain a write credential,
// transfer the bytes straight to object storage, keep a local preview copy and
// finally ask the service to analyze the stored object.
package upload

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/mediacache"
	"github.com/matst80/factcheck/internal/obs"
	"github.com/matst80/factcheck/internal/proto"
)

// Progress milestones reported during a flow.
const (
	ProgressStarted     = 0
	ProgressCredential  = 10
	ProgressTransfer    = 30
	ProgressTransferred = 60
	ProgressCached      = 70
)

// Service is the subset of the transport channel the flow needs.
type Service interface {
	RequestUploadURL(ctx context.Context, filename, contentType string) (*proto.PresignedURL, error)
	Verify(ctx context.Context, prompt string) (*proto.VerificationResult, error)
}

// MediaStore keeps the local preview copy.
type MediaStore interface {
	Store(blob mediacache.Blob) (string, error)
	URL(id string) (string, bool)
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Progress is one report. Cleared marks the end of reporting for the file.
type Progress struct {
	File    string
	Percent int
	Cleared bool
}

type ProgressFunc func(Progress)

type Analysis struct {
	Result     *proto.VerificationResult
	MediaID    string
	PreviewURL string
	ObjectKey  string
	S3URI      string
}

type Option func(*Coordinator)

// WithAllowedTypes restricts accepted MIME types by prefix. An empty list accepts anything.
func WithAllowedTypes(prefixes ...string) Option {
	return func(c *Coordinator) { c.allowed = prefixes }
}

type Coordinator struct {
	svc     Service
	putter  Putter
	media   MediaStore
	allowed []string
}

func NewCoordinator(svc Service, putter Putter, media MediaStore, opts ...Option) *Coordinator {
	c := &Coordinator{svc: svc, putter: putter, media: media, allowed: []string{"audio/", "video/"}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Session tracks one running flow.
type Session struct {
	file      string
	mime      string
	size      int
	report    ProgressFunc
	cancelled atomic.Bool

	mu      sync.Mutex
	percent int
	active  bool

	done   chan struct{}
	result *Analysis
	err    error
}

// Cancel stops progress reporting. The flow itself runs to completion.
func (s *Session) Cancel() { s.cancelled.Store(true) }

func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// Progress returns the last milestone and whether the session is still reporting.
func (s *Session) Progress() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percent, s.active
}

func (s *Session) File() string { return s.file }

func (s *Session) ContentType() string { return s.mime }

func (s *Session) Size() int { return s.size }

// Done is closed once the flow finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Wait() (*Analysis, error) {
	<-s.done
	return s.result, s.err
}

func (s *Session) emit(p int) {
	if s.cancelled.Load() {
		return
	}
	s.mu.Lock()
	s.percent, s.active = p, true
	s.mu.Unlock()
	if s.report != nil {
		s.report(Progress{File: s.file, Percent: p})
	}
}

func (s *Session) clear() {
	if s.cancelled.Load() {
		return
	}
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.mu.Unlock()
	if wasActive && s.report != nil {
		s.report(Progress{File: s.file, Cleared: true})
	}
}

// UploadAndAnalyze runs the whole flow and blocks until it ends.
func (c *Coordinator) UploadAndAnalyze(ctx context.Context, f File, report ProgressFunc) (*Analysis, error) {
	return c.Start(ctx, f, report).Wait()
}

// Start runs the flow in the background.
func (c *Coordinator) Start(ctx context.Context, f File, report ProgressFunc) *Session {
	s := &Session{file: f.Name, mime: f.ContentType, size: len(f.Data), report: report, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.result, s.err = c.run(ctx, s, f)
		stage := "done"
		var ue *Error
		if errors.As(s.err, &ue) {
			stage = string(ue.Stage)
		}
		obs.UploadsTotal.WithLabelValues(stage).Inc()
	}()
	return s
}

func (c *Coordinator) run(ctx context.Context, s *Session, f File) (*Analysis, error) {
	if err := c.validate(f); err != nil {
		return nil, c.fail(s, StageValidate, err)
	}
	obs.Info("upload.start", obs.Fields{"file": f.Name, "type": f.ContentType, "bytes": len(f.Data)})
	s.emit(ProgressStarted)

	cred, err := c.svc.RequestUploadURL(ctx, f.Name, f.ContentType)
	if err != nil {
		return nil, c.fail(s, StageCredential, err)
	}
	s.emit(ProgressCredential)

	s.emit(ProgressTransfer)
	if err := c.putter.Put(ctx, cred.URL, f.ContentType, f.Data); err != nil {
		return nil, c.fail(s, StageTransfer, err)
	}
	s.emit(ProgressTransferred)

	id, err := c.media.Store(mediacache.Blob{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
	if err != nil {
		return nil, c.fail(s, StageCache, err)
	}
	preview, ok := c.media.URL(id)
	if !ok {
		return nil, c.fail(s, StageCache, errors.Errorf("cached media %s expired before use", id))
	}
	s.emit(ProgressCached)
	s.clear()

	res, err := c.svc.Verify(ctx, cred.S3URI)
	if err != nil {
		return nil, c.fail(s, StageAnalysis, err)
	}
	obs.Info("upload.analyzed", obs.Fields{"file": f.Name, "object": cred.ObjectKey, "media": id})
	return &Analysis{Result: res, MediaID: id, PreviewURL: preview, ObjectKey: cred.ObjectKey, S3URI: cred.S3URI}, nil
}

func (c *Coordinator) validate(f File) error {
	if f.Name == "" {
		return errors.New("file name is empty")
	}
	if len(c.allowed) == 0 {
		return nil
	}
	for _, p := range c.allowed {
		if strings.HasPrefix(f.ContentType, p) {
			return nil
		}
	}
	return errors.Errorf("content type %q not accepted", f.ContentType)
}

func (c *Coordinator) fail(s *Session, stage Stage, err error) error {
	s.clear()
	obs.Error("upload.failed", obs.Fields{"file": s.file, "stage": string(stage), "err": err.Error()})
	return &Error{Stage: stage, File: s.file, Err: err}
}
