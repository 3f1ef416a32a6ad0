package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"

	"github.com/matst80/factcheck/internal/mediacache"
	"github.com/matst80/factcheck/internal/obs"
	"github.com/matst80/factcheck/internal/transport"
	"github.com/matst80/factcheck/internal/upload"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// stdout carries results only
	obs.SetLogger(obs.NewJSONLogger(zapcore.Lock(os.Stderr)))
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, in io.Reader, out, status io.Writer) error {
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	preview, closePreview, err := startPreview(cfg.PreviewAddr)
	if err != nil {
		return err
	}
	defer closePreview()
	cache := mediacache.New(preview)
	defer cache.Clear()

	ch := transport.New(transport.Config{
		URL:           cfg.URL,
		CallTimeout:   cfg.CallTimeout,
		OnStateChange: func(ev transport.StateEvent) { reportState(status, ev) },
	}, &transport.WebSocketDialer{})
	defer ch.Close()

	obs.Info("client.start", obs.Fields{"url": ch.URL(), "preview": cfg.PreviewAddr})
	if err := ch.Connect(ctx); err != nil {
		obs.Debug("client.connect", obs.Fields{"err": err.Error()})
	}
	wctx, cancel := context.WithTimeout(ctx, cfg.Wait)
	err = ch.WaitOpen(wctx)
	cancel()
	if err != nil {
		return fmt.Errorf("service unavailable: %w", err)
	}

	a := &app{
		ch:     ch,
		coord:  upload.NewCoordinator(ch, &upload.HTTPPutter{Client: &http.Client{Timeout: 10 * time.Minute}}, cache),
		out:    out,
		status: status,
	}
	switch {
	case cfg.Prompt != "":
		return a.verify(ctx, cfg.Prompt)
	case cfg.File != "":
		if err := a.upload(ctx, cfg.File); err != nil {
			return err
		}
		if cfg.Hold && cfg.PreviewAddr != "" {
			fmt.Fprintln(status, "serving previews until interrupted")
			<-ctx.Done()
		}
		return nil
	}
	return a.chat(ctx, in)
}

type app struct {
	ch     *transport.Channel
	coord  *upload.Coordinator
	out    io.Writer
	status io.Writer
}

func (a *app) verify(ctx context.Context, prompt string) error {
	res, err := a.ch.Verify(ctx, prompt)
	if err != nil {
		return err
	}
	renderResult(a.out, res)
	return nil
}

func (a *app) upload(ctx context.Context, path string) error {
	f, err := readMedia(path)
	if err != nil {
		return err
	}
	res, err := a.coord.UploadAndAnalyze(ctx, f, a.progress)
	if err != nil {
		return err
	}
	if res.PreviewURL != "" {
		fmt.Fprintf(a.out, "Preview: %s\n", res.PreviewURL)
	}
	renderResult(a.out, res.Result)
	return nil
}

func (a *app) progress(p upload.Progress) {
	if p.Cleared {
		fmt.Fprintf(a.status, "\nanalyzing %s...\n", p.File)
		return
	}
	fmt.Fprintf(a.status, "\ruploading %s: %3d%%", p.File, p.Percent)
}

// chat reads one prompt per line until EOF, /quit or ctx is done. Failed
// requests are reported and the loop continues.
func (a *app) chat(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(a.status, "type a statement to verify, /upload <path> to attach media, /quit to exit")
	lines, readErr := readLines(ctx, in)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-readErr
			}
			line = strings.TrimSpace(l)
		}
		var err error
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/reconnect":
			err = a.ch.Reconnect(ctx)
		case strings.HasPrefix(line, "/upload "):
			err = a.upload(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/upload ")))
		default:
			err = a.verify(ctx, line)
		}
		if err != nil {
			fmt.Fprintf(a.out, "error: %s\n", describe(err))
		}
	}
}

// readLines scans in on its own goroutine so a blocked read never delays
// shutdown. The error channel yields the scanner error once lines is closed.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- sc.Err()
	}()
	return lines, errc
}

func describe(err error) string {
	var ue *upload.Error
	switch {
	case errors.Is(err, transport.ErrDegraded):
		return "service unavailable, type /reconnect to try again"
	case errors.Is(err, transport.ErrNotConnected):
		return "not connected, retrying in the background"
	case errors.As(err, &ue):
		return fmt.Sprintf("upload of %s failed during %s: %v", ue.File, ue.Stage, ue.Err)
	}
	return err.Error()
}

func reportState(w io.Writer, ev transport.StateEvent) {
	switch ev.To {
	case transport.StateReconnecting:
		fmt.Fprintf(w, "connection lost, retry %d in %s\n", ev.Attempt, ev.Delay)
	case transport.StateDegraded:
		fmt.Fprintln(w, "service unavailable")
	case transport.StateOpen:
		fmt.Fprintln(w, "connected")
	}
}

// readMedia loads a file and resolves its MIME type from the extension,
// falling back to content sniffing.
func readMedia(path string) (upload.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return upload.File{}, err
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	return upload.File{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}

func startPreview(addr string) (*mediacache.PreviewServer, func(), error) {
	if addr == "" {
		return mediacache.NewPreviewServer(""), func() {}, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("preview listener: %w", err)
	}
	p := mediacache.NewPreviewServer("http://" + ln.Addr().String())
	srv := &http.Server{Handler: p, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("preview.serve", obs.Fields{"err": err.Error()})
		}
	}()
	return p, func() { _ = srv.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	obs.Info("metrics.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.serve", obs.Fields{"err": err.Error()})
	}
}
