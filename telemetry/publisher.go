// Package telemetry streams machine status snapshots to Kafka for
// fleet dashboards and job accounting.
package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/cncio/grblink/grbl"
)

// Publisher writes status snapshots to a Kafka topic, keyed by machine
// state so consumers can partition on it.
type Publisher struct {
	writer *kafka.Writer
	log    *logrus.Entry
}

func NewPublisher(broker, topic string, log *logrus.Entry) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(broker),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: log,
	}
}

func (p *Publisher) Publish(ctx context.Context, snap grbl.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(snap.State),
		Value: data,
	})
}

// Run polls the session and publishes each new snapshot until the
// context is cancelled. Publish failures are logged, not fatal; the
// next snapshot gets another attempt.
func (p *Publisher) Run(ctx context.Context, s *grbl.Session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, ok := s.CurrentStatus()
		if !ok || !snap.Timestamp.After(last) {
			continue
		}
		last = snap.Timestamp
		if err := p.Publish(ctx, snap); err != nil {
			p.log.WithError(err).Warn("telemetry publish failed")
		}
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
