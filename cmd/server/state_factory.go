package main

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matst80/factcheck/internal/obs"
)

// newStateStore creates either an in-memory or Redis-backed state store based on configuration
func newStateStore(redisAddr, redisPassword string, redisDB int, ticketTTL time.Duration) (StateStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState(clockwork.NewRealClock(), ticketTTL), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisStateStore(redisAddr, redisPassword, redisDB, ticketTTL)
}
