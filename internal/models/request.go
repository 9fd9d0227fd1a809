package models

import "fmt"

type RequestStatus string

const (
	RequestCreated    RequestStatus = "Created"
	RequestValidated  RequestStatus = "Validated"
	RequestStreaming  RequestStatus = "Streaming"
	RequestPaused     RequestStatus = "Paused"
	RequestDone       RequestStatus = "Done"
	RequestTerminated RequestStatus = "Terminated"
)

// Terminal reports whether no rule-driven transition may leave s.
func (s RequestStatus) Terminal() bool {
	return s == RequestDone || s == RequestTerminated
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestCreated, RequestValidated, RequestStreaming, RequestPaused, RequestDone, RequestTerminated:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown request status %q", ErrValidation, s)
}

// Request is one data-delivery job.
type Request struct {
	// Keys
	ID      string `dynamodbav:"id" json:"id"`
	Version int64  `dynamodbav:"version" json:"version"`

	// Submission
	Name        string   `dynamodbav:"name" json:"name"`
	Description string   `dynamodbav:"description" json:"description,omitempty"`
	Dataset     string   `dynamodbav:"dataset" json:"dataset"`
	Columns     []string `dynamodbav:"columns" json:"columns"`
	User        string   `dynamodbav:"user" json:"user"`
	Events      int64    `dynamodbav:"events" json:"events"`

	// Dataset facts, filled in by did-finders once known
	DatasetSize   int64 `dynamodbav:"dataset_size" json:"dataset_size"`
	DatasetFiles  int64 `dynamodbav:"dataset_files" json:"dataset_files"`
	DatasetEvents int64 `dynamodbav:"dataset_events" json:"dataset_events"`

	// Progress
	Status           RequestStatus `dynamodbav:"status" json:"status"`
	EventsProcessed  int64         `dynamodbav:"events_processed" json:"events_processed"`
	EventsServed     int64         `dynamodbav:"events_served" json:"events_served"`
	PausedTransforms bool          `dynamodbav:"paused_transforms" json:"paused_transforms"`
	Info             string        `dynamodbav:"info" json:"info"`

	// Timestamps (epoch ms)
	CreatedAt  int64 `dynamodbav:"created_at" json:"created_at"`
	ModifiedAt int64 `dynamodbav:"modified_at" json:"modified_at"`
}

func (r *Request) GetID() string      { return r.ID }
func (r *Request) SetID(id string)    { r.ID = id }
func (r *Request) GetVersion() int64  { return r.Version }
func (r *Request) SetVersion(v int64) { r.Version = v }

func (r *Request) Attr(field string) string {
	switch field {
	case "status":
		return string(r.Status)
	case "user":
		return r.User
	case "dataset":
		return r.Dataset
	}
	return ""
}

// Backlog is the served-but-not-yet-processed event count the watermarks act on.
func (r *Request) Backlog() int64 {
	return r.EventsServed - r.EventsProcessed
}

// RequestSpec is a user submission.
type RequestSpec struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Dataset     string   `json:"dataset" validate:"required"`
	Columns     []string `json:"columns" validate:"required,min=1,dive,required"`
	Events      int64    `json:"events" validate:"required,gt=0"`
	User        string   `json:"userid" validate:"required"`
}

func (s RequestSpec) Validate() error { return validateStruct(s) }

// DatasetUpdate carries dataset facts discovered after submission. Nil fields are
// left untouched.
type DatasetUpdate struct {
	Status        string `json:"status,omitempty"`
	DatasetSize   *int64 `json:"dataset_size,omitempty" validate:"omitempty,gte=0"`
	DatasetFiles  *int64 `json:"dataset_files,omitempty" validate:"omitempty,gte=0"`
	DatasetEvents *int64 `json:"dataset_events,omitempty" validate:"omitempty,gte=0"`
	Info          string `json:"info,omitempty"`
}

func (u DatasetUpdate) Validate() error {
	if err := validateStruct(u); err != nil {
		return err
	}
	if u.Status != "" {
		if _, err := ParseRequestStatus(u.Status); err != nil {
			return err
		}
	}
	return nil
}
