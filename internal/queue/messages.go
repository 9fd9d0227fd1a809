package queue

import (
	"fmt"

	"servicex/internal/models"
)

type ReportKind string

const (
	ReportServed    ReportKind = "served"
	ReportProcessed ReportKind = "processed"
)

// ReportMessage is one progress report from a transformer or a consumer.
type ReportMessage struct {
	Kind    ReportKind `json:"kind"`
	ReqID   string     `json:"req_id"`
	PathID  string     `json:"path_id,omitempty"`
	Events  int64      `json:"events"`
	Attempt int        `json:"attempt"` // deliveries that already failed
}

func (m ReportMessage) Validate() error {
	switch {
	case m.Kind != ReportServed && m.Kind != ReportProcessed:
		return fmt.Errorf("%w: unknown report kind %q", models.ErrValidation, m.Kind)
	case m.ReqID == "":
		return fmt.Errorf("%w: report without req_id", models.ErrValidation)
	case m.Events < 0:
		return fmt.Errorf("%w: negative events %d", models.ErrValidation, m.Events)
	}
	return nil
}

// RetryMessage includes when it should be retried.
type RetryMessage struct {
	Report      ReportMessage `json:"report"`
	NextRetryAt int64         `json:"next_retry_at"` // epoch ms
}

// DeadLetter is a report that ran out of delivery attempts.
type DeadLetter struct {
	Report ReportMessage `json:"report"`
	Error  string        `json:"error"`
	At     int64         `json:"at"`
}
