package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marberlow/newsmill/internal/pipeline"
)

// PrometheusSink counts notifications by type.
type PrometheusSink struct {
	notifications *prometheus.CounterVec
}

// NewPrometheusSink registers the collector against the registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmill_notifications_total",
			Help: "Notifications emitted, partitioned by type.",
		}, []string{"type"}),
	}
	if err := reg.Register(s.notifications); err != nil {
		return nil, fmt.Errorf("register notifications collector: %w", err)
	}
	return s, nil
}

// Consume increments the per-type counters.
func (s *PrometheusSink) Consume(_ context.Context, batch []pipeline.Notification) error {
	for _, n := range batch {
		s.notifications.WithLabelValues(n.Type).Inc()
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
