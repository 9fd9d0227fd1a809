package state

import (
	"fmt"

	"servicex/internal/models"
)

// Watermarks bound the served-minus-processed backlog of a Request.
type Watermarks struct {
	High int64
	Low  int64
}

func (w Watermarks) Validate() error {
	if w.Low >= w.High {
		return fmt.Errorf("%w: low watermark %d must be below high watermark %d", models.ErrValidation, w.Low, w.High)
	}
	return nil
}

type Rule string

const (
	RuleServedComplete    Rule = "served-complete"
	RuleProcessedComplete Rule = "processed-complete"
	RuleStartStreaming    Rule = "start-streaming"
	RuleBackpressure      Rule = "backpressure"
	RuleResume            Rule = "resume"
)

// Decision is the single transition chosen for a Request snapshot. When
// PathsTo is set, Paths of the Request whose status is in PathsFrom move to it.
type Decision struct {
	Rule      Rule
	To        models.RequestStatus
	PathsFrom []models.PathStatus
	PathsTo   models.PathStatus
	Info      string
}

var livePaths = []models.PathStatus{
	models.PathCreated,
	models.PathValidated,
	models.PathTransforming,
	models.PathPaused,
}

func reached(count, target int64) bool {
	return target > 0 && count >= target
}

// Evaluate applies the transition rules to r in priority order and returns the
// first that matches. Done and Terminated Requests never match.
func Evaluate(r *models.Request, wm Watermarks) (Decision, bool) {
	if r.Status.Terminal() {
		return Decision{}, false
	}
	switch {
	case reached(r.EventsServed, r.Events) || reached(r.EventsServed, r.DatasetEvents):
		return Decision{
			Rule:      RuleServedComplete,
			To:        models.RequestDone,
			PathsFrom: livePaths,
			PathsTo:   models.PathDone,
			Info:      fmt.Sprintf("Done: %d events served.", r.EventsServed),
		}, true
	case reached(r.EventsProcessed, r.Events) || reached(r.EventsProcessed, r.DatasetEvents):
		return Decision{
			Rule:      RuleProcessedComplete,
			To:        models.RequestDone,
			PathsFrom: livePaths,
			PathsTo:   models.PathDone,
			Info:      fmt.Sprintf("Done: %d events processed.", r.EventsProcessed),
		}, true
	case r.EventsServed > 0 && r.Status == models.RequestValidated:
		return Decision{
			Rule: RuleStartStreaming,
			To:   models.RequestStreaming,
			Info: "Started streaming.",
		}, true
	case r.Backlog() > wm.High && r.Status != models.RequestPaused:
		return Decision{
			Rule:      RuleBackpressure,
			To:        models.RequestPaused,
			PathsFrom: []models.PathStatus{models.PathValidated, models.PathTransforming},
			PathsTo:   models.PathPaused,
			Info:      fmt.Sprintf("Paused: backlog %d above high watermark %d.", r.Backlog(), wm.High),
		}, true
	case r.Backlog() < wm.Low && r.Status == models.RequestPaused:
		return Decision{
			Rule:      RuleResume,
			To:        models.RequestStreaming,
			PathsFrom: []models.PathStatus{models.PathPaused},
			PathsTo:   models.PathValidated,
			Info:      fmt.Sprintf("Restarted: backlog %d below low watermark %d.", r.Backlog(), wm.Low),
		}, true
	}
	return Decision{}, false
}
