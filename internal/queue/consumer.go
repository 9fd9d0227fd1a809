package queue

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
}

// Commit acknowledges the message it was returned with.
type Commit func(context.Context) error

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &Consumer{reader: r}
}

func (c *Consumer) Close() error { return c.reader.Close() }

// ReadReport blocks for the next ReportMessage. Undecodable messages are
// committed and reported as errors so they are not redelivered.
func (c *Consumer) ReadReport(ctx context.Context) (ReportMessage, Commit, error) {
	var rm ReportMessage
	commit, err := c.read(ctx, &rm)
	return rm, commit, err
}

func (c *Consumer) ReadRetry(ctx context.Context) (RetryMessage, Commit, error) {
	var rm RetryMessage
	commit, err := c.read(ctx, &rm)
	return rm, commit, err
}

func (c *Consumer) read(ctx context.Context, v any) (Commit, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.Value, v); err != nil {
		// commit bad messages so we don't get stuck forever
		_ = c.reader.CommitMessages(ctx, m)
		return nil, err
	}

	commit := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, m)
	}
	return commit, nil
}
