// Package metrics exposes relay counters through a per-process Prometheus
// registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

const namespace = "chatup"

type Metrics struct {
	registry *prometheus.Registry

	Connections      prometheus.Counter
	Disconnections   prometheus.Counter
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	Errors           prometheus.Counter
	RateLimited      prometheus.Counter
	CallRetries      prometheus.Counter
	ActiveUsers      prometheus.Gauge
	OpenConnections  prometheus.Gauge
}

// New builds a Metrics with its own registry so several instances can live in
// one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Websocket connections accepted.",
		}),
		Disconnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Websocket connections closed.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Direct messages received from senders.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Events written to client connections.",
		}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Handler errors converted into error responses.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the per-sender rate limit.",
		}),
		CallRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_retries_total",
			Help:      "Call initiation delivery retries.",
		}),
		ActiveUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "Usernames bound in the presence registry.",
		}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Websocket connections currently open.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	Connections      float64
	Disconnections   float64
	MessagesReceived float64
	MessagesSent     float64
	Errors           float64
	ActiveUsers      float64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Connections:      read(m.Connections),
		Disconnections:   read(m.Disconnections),
		MessagesReceived: read(m.MessagesReceived),
		MessagesSent:     read(m.MessagesSent),
		Errors:           read(m.Errors),
		ActiveUsers:      read(m.ActiveUsers),
	}
}

// LogPeriodically writes a stats line every interval until ctx is done.
func (m *Metrics) LogPeriodically(ctx context.Context, log *zap.Logger, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.Snapshot()
			log.Info("performance stats",
				zap.Float64("connections", s.Connections),
				zap.Float64("disconnections", s.Disconnections),
				zap.Float64("messages_received", s.MessagesReceived),
				zap.Float64("messages_sent", s.MessagesSent),
				zap.Float64("errors", s.Errors),
				zap.Float64("active_users", s.ActiveUsers),
			)
		}
	}
}

func read(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var total float64
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			continue
		}
		switch {
		case pb.Counter != nil:
			total += pb.Counter.GetValue()
		case pb.Gauge != nil:
			total += pb.Gauge.GetValue()
		}
	}
	return total
}
