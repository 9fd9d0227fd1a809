package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"servicex/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type Producer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return &Producer{writer: w, timeout: 3 * time.Second}, nil
}

func (p *Producer) Close() error { return p.writer.Close() }

// PublishReport keys by request so a request's reports stay on one partition.
func (p *Producer) PublishReport(ctx context.Context, m ReportMessage) error {
	return p.publishJSON(ctx, m.ReqID, m)
}

func (p *Producer) PublishRetry(ctx context.Context, m ReportMessage, nextRetryAt int64) error {
	return p.publishJSON(ctx, m.ReqID, RetryMessage{Report: m, NextRetryAt: nextRetryAt})
}

func (p *Producer) PublishDeadLetter(ctx context.Context, m ReportMessage, cause error) error {
	return p.publishJSON(ctx, m.ReqID, DeadLetter{Report: m, Error: cause.Error(), At: time.Now().UnixMilli()})
}

func (p *Producer) PublishTransition(ctx context.Context, t models.Transition) error {
	return p.publishJSON(ctx, t.ID, t)
}

func (p *Producer) publishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	})
}
