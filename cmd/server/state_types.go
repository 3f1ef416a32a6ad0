package main

import "time"

// uploadTicket authorizes one PUT of one object. Created on create_presigned_url,
// marked uploaded once the bytes arrived.
type uploadTicket struct {
	ObjectKey   string    `json:"object_key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Token       string    `json:"token"`
	Created     time.Time `json:"created"`
	Uploaded    bool      `json:"uploaded"`
	Size        int64     `json:"size"`
}

// storeStats is a point in time view for dashboards.
type storeStats struct {
	Sessions      int
	Tickets       int
	Uploaded      int
	Bytes         int64
	Verifications int64
	Rejected      int64
}
