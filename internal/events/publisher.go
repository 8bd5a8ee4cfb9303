// Package events fans committed domain events out to observers. Sinks run
// after the instruction that emitted the events has committed, so a sink
// failure never affects vault state.
package events

import (
	"context"

	"github.com/google/logger"

	"vaultlottery/internal/metrics"
	"vaultlottery/internal/models"
)

// Sink receives committed events.
type Sink interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Publisher delivers events to every configured sink.
type Publisher struct {
	sinks []Sink
}

// NewPublisher creates a Publisher over sinks. Nil sinks are skipped.
func NewPublisher(sinks ...Sink) *Publisher {
	p := &Publisher{}
	for _, s := range sinks {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
	return p
}

// Publish delivers evs in order. Sink errors are logged, not returned.
func (p *Publisher) Publish(ctx context.Context, evs []models.Event) {
	if p == nil {
		return
	}
	for _, ev := range evs {
		for _, s := range p.sinks {
			if err := s.Publish(ctx, ev); err != nil {
				logger.Warningf("Publishing %s event #%d failed: %v", ev.Kind, ev.Seq, err)
			}
		}
	}
}

// LogSink writes one log line per event.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev models.Event) error {
	logger.Infof("event #%d %s vault=%s authority=%s user=%s amount=%d winner=%d",
		ev.Seq, ev.Kind, ev.Vault, ev.Authority, ev.User, ev.Amount, ev.WinnerID)
	return nil
}

// MetricsSink counts events in Prometheus.
type MetricsSink struct {
	Metrics *metrics.Metrics
}

func (s MetricsSink) Publish(_ context.Context, ev models.Event) error {
	s.Metrics.ObserveEvent(ev)
	return nil
}
