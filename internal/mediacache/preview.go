package mediacache

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/matst80/factcheck/internal/obs"
)

// PreviewServer mints URLs that resolve to cached blobs over HTTP.
// Released tokens answer 404.
type PreviewServer struct {
	base  string
	mu    sync.RWMutex
	blobs map[string]Blob
	mux   *http.ServeMux
}

var _ URLMinter = (*PreviewServer)(nil)

// NewPreviewServer serves blobs under baseURL + "/media/{token}".
func NewPreviewServer(baseURL string) *PreviewServer {
	p := &PreviewServer{base: strings.TrimRight(baseURL, "/"), blobs: make(map[string]Blob)}
	p.mux = http.NewServeMux()
	p.mux.HandleFunc("GET /media/{token}", p.serveMedia)
	return p
}

func (p *PreviewServer) Mint(id string, blob Blob) (string, error) {
	token := uuid.NewString()
	p.mu.Lock()
	p.blobs[token] = blob
	p.mu.Unlock()
	obs.Debug("preview.mint", obs.Fields{"id": id, "token": token})
	return p.base + "/media/" + token, nil
}

func (p *PreviewServer) Release(u string) {
	parsed, err := url.Parse(u)
	if err != nil {
		return
	}
	token := path.Base(parsed.Path)
	p.mu.Lock()
	delete(p.blobs, token)
	p.mu.Unlock()
}

// Live reports how many minted URLs are still resolvable.
func (p *PreviewServer) Live() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blobs)
}

func (p *PreviewServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { p.mux.ServeHTTP(w, r) }

func (p *PreviewServer) serveMedia(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	blob, ok := p.blobs[r.PathValue("token")]
	p.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	ct := blob.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}
