package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matst80/factcheck/internal/obs"
	"github.com/matst80/factcheck/internal/proto"
	"github.com/matst80/factcheck/internal/ratelimit"
)

// service answers the verification protocol with canned results and plays
// object storage for presigned uploads.
type service struct {
	cfg      *Config
	state    StateStore
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession
	inflight sync.WaitGroup
}

func newService(cfg *Config, state StateStore, limiter *ratelimit.Limiter) *service {
	return &service{
		cfg:      cfg,
		state:    state,
		limiter:  limiter,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[string]*wsSession),
	}
}

func (s *service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleSocket)
	mux.HandleFunc("GET /ws", s.handleSocket)
	mux.HandleFunc("PUT /objects/{key...}", s.handlePut)
	return mux
}

type wsSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ws *wsSession) send(resp proto.Response) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.conn.WriteJSON(resp); err != nil {
		obs.Debug("session.write", obs.Fields{"id": ws.id, "err": err.Error()})
	}
}

func (s *service) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.state.isClosing() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("session.upgrade", obs.Fields{"err": err.Error(), "remote": r.RemoteAddr})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	ws := &wsSession{id: uuid.NewString(), conn: conn}
	s.track(ws)
	obs.Info("session.open", obs.Fields{"id": ws.id, "remote": r.RemoteAddr})
	defer func() {
		s.untrack(ws)
		_ = conn.Close()
		obs.Info("session.closed", obs.Fields{"id": ws.id})
	}()

	conn.SetReadLimit(64 * 1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Debug("session.read", obs.Fields{"id": ws.id, "err": err.Error()})
			}
			return
		}
		var req proto.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			obs.ErrorsTotal.WithLabelValues("bad_json").Inc()
			ws.send(proto.Response{Status: proto.StatusVerificationFailed, Error: "malformed request"})
			continue
		}
		s.dispatch(ctx, ws, req)
	}
}

func (s *service) dispatch(ctx context.Context, ws *wsSession, req proto.Request) {
	obs.Debug("session.request", obs.Fields{"id": ws.id, "action": string(req.Action), "request": req.RequestID})
	switch req.Action {
	case proto.ActionPing:
		ws.send(proto.Response{Status: proto.StatusPong, RequestID: req.RequestID})
	case proto.ActionCreatePresignedURL:
		ws.send(s.presign(req))
	case proto.ActionVerify:
		if !s.limiter.Allow(ws.id) {
			s.state.incrementRejected()
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			ws.send(failed(req, "rate limit exceeded"))
			return
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			if d := s.cfg.VerifyDelay; d > 0 {
				t := time.NewTimer(d)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return
				}
			}
			ws.send(s.verify(req))
		}()
	default:
		obs.ErrorsTotal.WithLabelValues("unknown_action").Inc()
		ws.send(failed(req, fmt.Sprintf("unknown action %q", req.Action)))
	}
}

func failed(req proto.Request, msg string) proto.Response {
	return proto.Response{Status: proto.StatusVerificationFailed, Error: msg, RequestID: req.RequestID}
}

func (s *service) presign(req proto.Request) proto.Response {
	name := sanitizeName(req.Filename)
	if name == "" {
		return failed(req, "filename is required")
	}
	if !isMedia(req.ContentType) {
		return failed(req, "content_type must be audio/* or video/*")
	}
	token, err := cryptoRandomID(16)
	if err != nil {
		return failed(req, "could not issue credential")
	}
	key := "uploads/" + uuid.NewString() + "/" + name
	now := time.Now()
	t := &uploadTicket{ObjectKey: key, Filename: req.Filename, ContentType: req.ContentType, Token: token, Created: now}
	if err := s.state.createTicket(t); err != nil {
		obs.Error("presign.ticket", obs.Fields{"err": err.Error(), "key": key})
		obs.ErrorsTotal.WithLabelValues("ticket").Inc()
		return failed(req, "could not issue credential")
	}
	expires := now.Add(s.cfg.TicketTTL).Unix()
	u := strings.TrimRight(s.cfg.PublicURL, "/") + "/objects/" + key + "?token=" + token + "&expires=" + strconv.FormatInt(expires, 10)
	obs.Info("presign.issued", obs.Fields{"key": key, "type": req.ContentType})
	return proto.Response{
		Status:    proto.StatusPresignedURLGenerated,
		RequestID: req.RequestID,
		PresignedURLData: &proto.PresignedURL{
			URL:       u,
			ObjectKey: key,
			S3URI:     "s3://" + s.cfg.Bucket + "/" + key,
		},
	}
}

func (s *service) verify(req proto.Request) proto.Response {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return failed(req, "prompt is required")
	}
	out := proto.AgentOutput{ResponseType: proto.ResponseStructuredReport}
	switch {
	case strings.HasPrefix(prompt, "s3://"):
		key, ok := strings.CutPrefix(prompt, "s3://"+s.cfg.Bucket+"/")
		if !ok {
			return failed(req, "unknown bucket")
		}
		t, err := s.state.getTicket(key)
		if err != nil {
			return failed(req, "storage unavailable")
		}
		if t == nil || !t.Uploaded {
			return failed(req, "object not found: "+key)
		}
		out.Output.Report = mediaReport(t, prompt)
	case len(strings.Fields(prompt)) < 3:
		out.ResponseType = proto.ResponseMessage
		out.Output.Text = "Send a statement or attach a recording and I will check the claims in it."
	default:
		out.Output.Report = textReport(prompt)
	}
	s.state.incrementVerifications()
	obs.VerificationsTotal.Inc()
	return proto.Response{
		Status:    proto.StatusVerificationCompleted,
		RequestID: req.RequestID,
		Result:    &proto.VerificationResult{Timestamp: time.Now().UTC().Format(time.RFC3339), Result: out},
	}
}

func mediaReport(t *uploadTicket, uri string) *proto.Report {
	kind := proto.InputVideo
	if strings.HasPrefix(t.ContentType, "audio/") {
		kind = proto.InputAudio
	}
	start, end := 0.0, 5.0
	return &proto.Report{
		InputType: kind,
		Report:    fmt.Sprintf("Development analysis of %s (%d bytes). No real verification was performed.", t.Filename, t.Size),
		MediaURI:  uri,
		Claims: []proto.Claim{{
			Text:        "Opening statement of " + t.Filename,
			Judgment:    proto.JudgmentUnsure,
			Explanation: "The development service does not transcribe media.",
			StartTime:   &start,
			EndTime:     &end,
		}},
		Sources:     []proto.Source{},
		Suggestions: []string{"Run against the real verification service for judgments."},
	}
}

func textReport(prompt string) *proto.Report {
	var claims []proto.Claim
	for _, sentence := range strings.FieldsFunc(prompt, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		claims = append(claims, proto.Claim{
			Text:        sentence,
			Judgment:    proto.JudgmentUnsure,
			Explanation: "The development service does not check facts.",
		})
	}
	return &proto.Report{
		InputType:   proto.InputText,
		Report:      fmt.Sprintf("Found %d claim(s). Judgments are placeholders.", len(claims)),
		Claims:      claims,
		Sources:     []proto.Source{},
		Suggestions: []string{"Ask about a specific claim."},
	}
}

func (s *service) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	t, err := s.state.getTicket(key)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	if t == nil {
		obs.ErrorsTotal.WithLabelValues("put_unknown").Inc()
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(t.Token)) != 1 {
		obs.ErrorsTotal.WithLabelValues("put_token").Inc()
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != t.ContentType {
		obs.ErrorsTotal.WithLabelValues("put_content_type").Inc()
		http.Error(w, "content type mismatch", http.StatusUnsupportedMediaType)
		return
	}
	n, err := io.Copy(io.Discard, http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "object too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if err := s.state.markUploaded(key, n); err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	obs.Info("object.stored", obs.Fields{"key": key, "bytes": n})
	w.WriteHeader(http.StatusOK)
}

func (s *service) track(ws *wsSession) {
	s.mu.Lock()
	s.sessions[ws.id] = ws
	s.mu.Unlock()
	s.state.registerSession(ws.id)
}

func (s *service) untrack(ws *wsSession) {
	s.mu.Lock()
	delete(s.sessions, ws.id)
	s.mu.Unlock()
	s.state.removeSession(ws.id)
	s.limiter.Forget(ws.id)
}

// closeSessions sends a going-away close frame to every open session.
func (s *service) closeSessions() {
	s.mu.Lock()
	open := make([]*wsSession, 0, len(s.sessions))
	for _, ws := range s.sessions {
		open = append(open, ws)
	}
	s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
	for _, ws := range open {
		_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.conn.Close()
	}
}

func isMedia(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/") || strings.HasPrefix(contentType, "video/")
}

// sanitizeName keeps the base name and replaces anything outside [A-Za-z0-9._-].
func sanitizeName(name string) string {
	name = path.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// cryptoRandomID returns a hex string of n random bytes.
func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
