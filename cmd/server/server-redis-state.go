package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/factcheck/internal/obs"
)

const (
	redisTicketPrefix   = "factcheck:ticket:"
	redisInstancePrefix = "factcheck:instance:"
	redisVerifyCounter  = "factcheck:stats:verifications"
	redisRejectCounter  = "factcheck:stats:rejected"
)

// redisStateStore implements StateStore using Redis so several dev instances share tickets.
// Websocket sessions are instance-local and stay in memory.
type redisStateStore struct {
	client     *redis.Client
	mu         sync.Mutex
	sessions   map[string]time.Time
	closing    bool
	ready      bool
	instanceID string

	ticketTTL         time.Duration
	heartbeatInterval time.Duration
}

func newRedisStateStore(addr, password string, db int, ticketTTL time.Duration) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if ticketTTL <= 0 {
		ticketTTL = 15 * time.Minute
	}
	return &redisStateStore{
		client:            rdb,
		sessions:          make(map[string]time.Time),
		instanceID:        "factcheck-dev-" + uuid.NewString(),
		ticketTTL:         ticketTTL,
		heartbeatInterval: 30 * time.Second,
	}, nil
}

var _ StateStore = (*redisStateStore)(nil)

func (r *redisStateStore) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStateStore) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStateStore) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStateStore) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisStateStore) createTicket(t *uploadTicket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	ok, err := r.client.SetNX(context.Background(), redisTicketPrefix+t.ObjectKey, data, r.ticketTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("ticket already exists: %s", t.ObjectKey)
	}
	obs.OpenTickets.Inc()
	return nil
}

func (r *redisStateStore) getTicket(key string) (*uploadTicket, error) {
	val, err := r.client.Get(context.Background(), redisTicketPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		obs.Error("redis.get_ticket", obs.Fields{"err": err.Error(), "key": key})
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var t uploadTicket
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return &t, nil
}

func (r *redisStateStore) markUploaded(key string, size int64) error {
	t, err := r.getTicket(key)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("no ticket for %s", key)
	}
	t.Uploaded = true
	t.Size = size
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	// XX keeps a ticket that expired since the read from coming back without a TTL.
	err = r.client.SetArgs(context.Background(), redisTicketPrefix+key, data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err == redis.Nil {
		return fmt.Errorf("no ticket for %s", key)
	}
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// cleanupExpired relies on key TTLs; while closing nothing is removed because
// other instances may still serve the tickets. It refreshes the ticket gauge.
func (r *redisStateStore) cleanupExpired(time.Duration) int {
	keys, err := r.ticketKeys(context.Background())
	if err != nil {
		obs.Error("redis.cleanup.scan", obs.Fields{"err": err.Error()})
		return 0
	}
	obs.OpenTickets.Set(float64(len(keys)))
	return 0
}

func (r *redisStateStore) registerSession(id string) {
	r.mu.Lock()
	r.sessions[id] = time.Now()
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
}

func (r *redisStateStore) removeSession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
}

func (r *redisStateStore) incrementVerifications() {
	if err := r.client.Incr(context.Background(), redisVerifyCounter).Err(); err != nil {
		obs.Error("redis.incr", obs.Fields{"err": err.Error(), "key": redisVerifyCounter})
	}
}

func (r *redisStateStore) incrementRejected() {
	if err := r.client.Incr(context.Background(), redisRejectCounter).Err(); err != nil {
		obs.Error("redis.incr", obs.Fields{"err": err.Error(), "key": redisRejectCounter})
	}
}

// getStats scans all tickets; fine for a development service.
func (r *redisStateStore) getStats() storeStats {
	ctx := context.Background()
	r.mu.Lock()
	st := storeStats{Sessions: len(r.sessions)}
	r.mu.Unlock()

	st.Verifications, _ = r.client.Get(ctx, redisVerifyCounter).Int64()
	st.Rejected, _ = r.client.Get(ctx, redisRejectCounter).Int64()

	keys, err := r.ticketKeys(ctx)
	if err != nil {
		obs.Error("redis.stats.scan", obs.Fields{"err": err.Error()})
		return st
	}
	st.Tickets = len(keys)
	if len(keys) == 0 {
		return st
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		obs.Error("redis.stats.mget", obs.Fields{"err": err.Error()})
		return st
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t uploadTicket
		if json.Unmarshal([]byte(s), &t) == nil && t.Uploaded {
			st.Uploaded++
			st.Bytes += t.Size
		}
	}
	return st
}

func (r *redisStateStore) backend() string { return "redis" }

func (r *redisStateStore) ticketKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisTicketPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// startMaintenance periodically announces this instance and refreshes gauges.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = r.client.Del(context.Background(), redisInstancePrefix+r.instanceID).Err()
			return
		case <-ticker.C:
			r.heartbeat(ctx)
			r.cleanupExpired(r.ticketTTL)
		}
	}
}

// heartbeat records this instance with its session count; the key expires if the instance dies.
func (r *redisStateStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	if err := r.client.Set(ctx, redisInstancePrefix+r.instanceID, n, 3*r.heartbeatInterval).Err(); err != nil {
		obs.Error("redis.heartbeat.set", obs.Fields{"err": err.Error(), "instance": r.instanceID})
	}
}

func (r *redisStateStore) close() error { return r.client.Close() }
