package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/factcheck/internal/obs"
	"github.com/matst80/factcheck/internal/ratelimit"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		obs.Error("server.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	defer obs.Sync()
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "public": cfg.PublicURL, "bucket": cfg.Bucket})

	state, err := newStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TicketTTL)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.service", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}

	// readiness stays false until the listener is serving
	go startMetricsServer(ctx, cfg.MetricsAddr, state)
	go runCleanupLoop(ctx, state, cfg.CleanupInterval, cfg.TicketTTL)
	if rs, ok := state.(*redisStateStore); ok {
		go rs.startMaintenance(ctx)
		defer rs.close()
	}

	svc := newService(&cfg, state, ratelimit.NewLimiter(nil, cfg.GlobalRate, cfg.RequestRate, cfg.Burst))
	srv := &http.Server{Handler: svc.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("service.serve", obs.Fields{"err": err.Error()})
			stop()
		}
	}()

	state.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	state.setClosing(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	// hijacked websocket connections are not covered by Shutdown
	svc.closeSessions()
	svc.inflight.Wait()
	removed := state.cleanupExpired(cfg.TicketTTL)
	obs.Info("server.shutdown.complete", obs.Fields{"tickets_dropped": removed})
}

func runCleanupLoop(ctx context.Context, state StateStore, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := state.cleanupExpired(maxAge); n > 0 {
				obs.Debug("tickets.expired", obs.Fields{"count": n})
			}
		}
	}
}
