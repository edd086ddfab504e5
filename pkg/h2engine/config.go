// Package h2engine provides an embeddable HTTP/1.1 and HTTP/2 server built on
// gnet event loops.
package h2engine

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Config holds the server configuration for both protocol versions.
type Config struct {
	Addr                  string        // Server address to bind to
	Multicore             bool          // Run one event loop per core
	NumEventLoop          int           // Number of event loops (0 for auto-detect)
	ReusePort             bool          // Enable SO_REUSEPORT for load balancing
	IdleTimeout           time.Duration // Idle time before a connection is closed (0 disables)
	MaxConnections        uint32        // Open connection limit (0 for unlimited)
	ReadBufferIncrement   int           // Read buffer growth step in bytes
	ConnectionMemoryLimit int           // Buffer memory one connection may hold
	MaxHeaderBytes        int           // Maximum HTTP/1.x request head size
	MaxBodyBytes          int64         // Maximum HTTP/1.x request body size
	MaxConcurrentStreams  uint32        // Maximum concurrent HTTP/2 streams
	MaxFrameSize          uint32        // Maximum HTTP/2 frame size
	InitialWindowSize     uint32        // Initial HTTP/2 flow control window size
	TracerName            string        // OpenTelemetry tracer for connection spans
	Logger                *log.Logger   // Logger for server events
	EnableH1              bool          // Serve HTTP/1.x connections
	EnableH2              bool          // Serve HTTP/2 prior-knowledge connections
}

func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":8080",
		Multicore:             true,
		ReusePort:             true,
		IdleTimeout:           60 * time.Second,
		ReadBufferIncrement:   4096,
		ConnectionMemoryLimit: 1 << 20,
		MaxHeaderBytes:        64 << 10,
		MaxBodyBytes:          8 << 20,
		MaxConcurrentStreams:  100,
		MaxFrameSize:          16384,
		InitialWindowSize:     65535,
		TracerName:            "h2engine",
		Logger:                newSilentLogger(),
		EnableH1:              true,
		EnableH2:              true,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative, got %v", c.IdleTimeout)
	}
	if c.ReadBufferIncrement <= 0 {
		c.ReadBufferIncrement = 4096
	}
	if c.ConnectionMemoryLimit <= 0 {
		c.ConnectionMemoryLimit = 1 << 20
	}
	if c.ConnectionMemoryLimit < c.ReadBufferIncrement {
		return fmt.Errorf("connection memory limit %d is below the read increment %d",
			c.ConnectionMemoryLimit, c.ReadBufferIncrement)
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 64 << 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	// The read buffer must hold a full head or frame plus one read increment.
	if c.EnableH1 && c.MaxHeaderBytes+c.ReadBufferIncrement > c.ConnectionMemoryLimit {
		return fmt.Errorf("connection memory limit %d cannot hold a %d-byte request head",
			c.ConnectionMemoryLimit, c.MaxHeaderBytes)
	}
	if c.EnableH2 && int(c.MaxFrameSize)+9+c.ReadBufferIncrement > c.ConnectionMemoryLimit {
		return fmt.Errorf("connection memory limit %d cannot hold a %d-byte frame",
			c.ConnectionMemoryLimit, c.MaxFrameSize)
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.InitialWindowSize > (1<<31)-1 {
		return fmt.Errorf("initial window size %d exceeds 2^31-1", c.InitialWindowSize)
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.TracerName == "" {
		c.TracerName = "h2engine"
	}
	if c.Logger == nil {
		c.Logger = newSilentLogger()
	}
	if !c.EnableH1 && !c.EnableH2 {
		return fmt.Errorf("at least one of EnableH1 and EnableH2 must be set")
	}
	return nil
}
