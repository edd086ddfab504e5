package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FumingPower3925/h2engine/internal/conn"
)

var (
	connectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2engine_connections_accepted_total",
			Help: "Total number of accepted connections",
		},
	)

	connectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2engine_connections_rejected_total",
			Help: "Total number of connections rejected over the connection limit",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "h2engine_connections_active",
			Help: "Current number of open connections",
		},
	)

	connectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2engine_connections_closed_total",
			Help: "Total number of closed connections by termination reason",
		},
		[]string{"termination"},
	)

	protocolsNegotiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2engine_protocols_negotiated_total",
			Help: "Total number of connections by negotiated protocol",
		},
		[]string{"version"},
	)

	bytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2engine_bytes_read_total",
			Help: "Total bytes read from sockets",
		},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2engine_bytes_written_total",
			Help: "Total bytes written to sockets",
		},
	)
)

// observer feeds connection lifecycle events into metrics and the
// per-connection span.
type observer struct{}

func (observer) Negotiated(c *conn.Connection, v conn.Version) {
	protocolsNegotiated.WithLabelValues(v.String()).Inc()
	if rec := recordOf(c); rec != nil {
		version := attribute.String("net.protocol.version", v.String())
		rec.span.SetAttributes(version)
		rec.span.AddEvent("negotiated", trace.WithAttributes(version))
	}
}

func (observer) BytesRead(c *conn.Connection, n int) {
	bytesRead.Add(float64(n))
	if rec := recordOf(c); rec != nil {
		rec.progress++
	}
}

func (observer) BytesWritten(c *conn.Connection, n int) {
	bytesWritten.Add(float64(n))
	if rec := recordOf(c); rec != nil {
		rec.progress++
	}
}

func (observer) Closed(c *conn.Connection, t conn.Termination, err error) {
	connectionsClosed.WithLabelValues(t.String()).Inc()
	rec := recordOf(c)
	if rec == nil {
		return
	}
	rec.span.SetAttributes(attribute.String("h2engine.termination", t.String()))
	switch {
	case err != nil:
		rec.span.RecordError(err)
		rec.span.SetStatus(codes.Error, err.Error())
	case t == conn.TerminationWithError:
		rec.span.SetStatus(codes.Error, t.String())
	default:
		rec.span.SetStatus(codes.Ok, "")
	}
	rec.span.End()
}
