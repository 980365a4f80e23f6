// Package alert raises operator alerts for anomalies the pipeline cannot
// resolve on its own: duplicate vendor callbacks, empty distribution funds,
// fatal invariant violations. Alerts are published to Kafka so the on-call
// tooling consumes them independently of this process.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Event is one operator alert.
type Event struct {
	Kind    string            `json:"kind"`
	Subject string            `json:"subject"`
	Details map[string]string `json:"details,omitempty"`
	At      time.Time         `json:"at"`
}

// Alerter publishes operator alerts.
type Alerter interface {
	Alert(ctx context.Context, ev Event) error
}

// Kafka publishes alerts as JSON records.
type Kafka struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

func NewKafka(brokers []string, topic string, log *slog.Logger) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{client: client, topic: topic, log: log}, nil
}

func (k *Kafka) Alert(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	record := &kgo.Record{Key: []byte(ev.Kind), Value: value}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		// The alert still lands in the log; losing the broker must not
		// fail the settlement step that raised it.
		k.log.Error("alert publish failed", "kind", ev.Kind, "error", err)
		return fmt.Errorf("produce alert: %w", err)
	}
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}

// Log is the fallback sink when no brokers are configured.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Alert(_ context.Context, ev Event) error {
	args := []any{"kind", ev.Kind, "subject", ev.Subject}
	for k, v := range ev.Details {
		args = append(args, k, v)
	}
	l.log.Warn("operator alert", args...)
	return nil
}
