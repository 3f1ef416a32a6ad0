package main

import "time"

// StateStore abstracts server state so several instances can share tickets through Redis.
type StateStore interface {
	createTicket(t *uploadTicket) error
	// getTicket returns nil, nil when no ticket exists for key.
	getTicket(key string) (*uploadTicket, error)
	markUploaded(key string, size int64) error
	cleanupExpired(maxAge time.Duration) int
	registerSession(id string)
	removeSession(id string)
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	// stats helpers (not exported outside package main)
	getStats() storeStats
	incrementVerifications()
	incrementRejected()
	backend() string
}
