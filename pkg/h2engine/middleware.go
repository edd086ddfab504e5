package h2engine

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/h2engine/internal/byteorder"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Output specifies where logs are written (defaults to os.Stdout)
	Output io.Writer
	// Format specifies the log format: "json" or "text" (default: "text")
	Format string
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// Now overrides the clock used for timestamps and durations.
	Now func() time.Time
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Output: os.Stdout,
		Format: "text",
	}
}

// Logger returns a middleware that writes one access log line per request.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a Logger middleware with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "text"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			// Skip logging for specified paths
			if skipMap[ctx.Path()] {
				return next.Serve(ctx)
			}

			start := config.Now()
			err := next.Serve(ctx)
			duration := config.Now().Sub(start)

			status := ctx.Status()
			if status == 0 {
				status = 200
			}

			if config.Format == "json" {
				entry := map[string]any{
					"time":     start.Format(time.RFC3339),
					"protocol": ctx.Protocol(),
					"method":   ctx.Method(),
					"path":     ctx.Path(),
					"status":   status,
					"duration": duration.Milliseconds(),
					"bytes":    ctx.body.Len(),
				}
				// Add request ID if available
				if reqID, ok := ctx.Get("request-id"); ok {
					entry["request_id"] = reqID
				}
				if err != nil {
					entry["error"] = err.Error()
				}
				data, _ := json.Marshal(entry)
				_, _ = fmt.Fprintf(config.Output, "%s\n", data)
				return err
			}

			// Text format
			var line strings.Builder
			fmt.Fprintf(&line, "[%s] %s %s %s %d %dms",
				start.Format(time.RFC3339), ctx.Protocol(), ctx.Method(), ctx.Path(), status, duration.Milliseconds())
			if reqID, ok := ctx.Get("request-id"); ok {
				fmt.Fprintf(&line, " req_id=%v", reqID)
			}
			if err != nil {
				fmt.Fprintf(&line, " error=%q", err.Error())
			}
			line.WriteByte('\n')
			_, _ = io.WriteString(config.Output, line.String())
			return err
		})
	}
}

// Recovery returns a middleware that turns a handler panic into a 500
// response. The stack is written to the server logger when one is attached.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					if ctx.logger != nil {
						ctx.logger.Printf("panic serving %s %s: %v\n%s", ctx.Method(), ctx.Path(), r, debug.Stack())
					}
					err = ctx.Error(500)
				}
			}()
			return next.Serve(ctx)
		})
	}
}

// RequestID returns a middleware that tags each request with an id. An
// incoming x-request-id header is reused.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header("x-request-id")
			if requestID == "" {
				requestID = generateRequestID()
			}

			ctx.Set("request-id", requestID)
			ctx.SetHeader("x-request-id", requestID)

			return next.Serve(ctx)
		})
	}
}

var requestIDCounter atomic.Uint64

func generateRequestID() string {
	counter := requestIDCounter.Add(1)

	// Combine timestamp with counter and random number for uniqueness
	var randomBytes [8]byte
	_, _ = rand.Read(randomBytes[:])
	randomNum := byteorder.Uint64(randomBytes[:], byteorder.BigEndian)

	return fmt.Sprintf("%d-%d-%d", time.Now().UnixNano(), counter, randomNum)
}

// CompressConfig defines the configuration options for the Compress middleware.
type CompressConfig struct {
	// Level is the brotli quality, 0-11 (default: 6)
	Level int
	// MinSize is the minimum body size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes that are sent as is
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that brotli-encodes response bodies for
// clients that accept br.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a Compress middleware with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize <= 0 {
		config.MinSize = 1024
	}
	if config.Level <= 0 || config.Level > 11 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if !acceptsBrotli(ctx.Header("accept-encoding")) {
				return next.Serve(ctx)
			}

			err := next.Serve(ctx)

			// The body is encoded when the response is queued
			contentType := ctx.ResponseHeader("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return err
				}
			}
			ctx.compressLevel = config.Level
			ctx.compressMinSize = config.MinSize
			return err
		})
	}
}

func acceptsBrotli(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "br") {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok && strings.Trim(q, "0.") == "" {
			return false
		}
		return true
	}
	return false
}
