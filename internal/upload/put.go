package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/obs"
)

// Putter moves raw bytes to a presigned URL.
type Putter interface {
	Put(ctx context.Context, url, contentType string, body []byte) error
}

// HTTPPutter PUTs over plain HTTP. Any 2xx is success.
type HTTPPutter struct {
	Client *http.Client
}

func (p *HTTPPutter) Put(ctx context.Context, url, contentType string, body []byte) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build put request")
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "put object")
	}
	defer resp.Body.Close()
	obs.UploadDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransferError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	obs.UploadBytesTotal.Add(float64(len(body)))
	return nil
}
