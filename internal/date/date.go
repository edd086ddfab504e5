// Package date caches the HTTP Date header value, refreshed by a ticker.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[string]

// StartTicker refreshes the cached value every 500ms until the returned stop
// function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

func update(now time.Time) {
	s := now.UTC().Format(http.TimeFormat)
	current.Store(&s)
}

// String returns the cached Date header value. Before StartTicker it formats
// the current time.
func String() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}

// Append appends the cached Date header value to dst.
func Append(dst []byte) []byte {
	return append(dst, String()...)
}
