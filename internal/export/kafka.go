// Package export publishes enriched alarm events for completed jobs to a
// Kafka topic so downstream analytics can consume them without polling the
// HTTP results endpoint. Delivery is best-effort: a failed publish is logged
// and never affects the job outcome.
package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"haulwatch/internal/config"
	"haulwatch/internal/model"
)

type eventMessage struct {
	JobID string           `json:"job_id"`
	Event model.AlarmEvent `json:"event"`
}

type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher returns nil when export is disabled; callers treat a nil
// publisher as a no-op.
func NewPublisher(cfg config.ExportConfig, logger *slog.Logger) *Publisher {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("event export disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("event export enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) PublishJob(job model.Job) error {
	if p == nil || len(job.Events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(job.Events))
	for _, ev := range job.Events {
		value, err := json.Marshal(eventMessage{JobID: job.ID, Event: ev})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Vehicle),
			Value: value,
			Time:  ev.Timestamp,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
