package types

import "time"

// RequestIDKey is the gin context key holding the request ID.
const RequestIDKey = "request_id"

// WindowRequest selects samples by collection time. Both bounds are
// inclusive RFC 3339 timestamps.
type WindowRequest struct {
	From  time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To    time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit int       `form:"limit" binding:"omitempty,min=1,max=10000"`
}

// CollectionsRequest filters the collection log.
type CollectionsRequest struct {
	Server    string `form:"server" binding:"omitempty,max=64"`
	Collector string `form:"collector" binding:"omitempty,max=64"`
	Limit     int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}
