package models

import "fmt"

type PathStatus string

const (
	PathCreated      PathStatus = "Created"
	PathValidated    PathStatus = "Validated"
	PathTransforming PathStatus = "Transforming"
	PathPaused       PathStatus = "Paused"
	PathDone         PathStatus = "Done"
	PathTerminated   PathStatus = "Terminated"
)

func (s PathStatus) Terminal() bool {
	return s == PathDone || s == PathTerminated
}

func ParsePathStatus(s string) (PathStatus, error) {
	switch st := PathStatus(s); st {
	case PathCreated, PathValidated, PathTransforming, PathPaused, PathDone, PathTerminated:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown path status %q", ErrValidation, s)
}

// Path is one physical file belonging to a Request.
type Path struct {
	// Keys
	ID      string `dynamodbav:"id" json:"id"`
	Version int64  `dynamodbav:"version" json:"version"`
	ReqID   string `dynamodbav:"req_id" json:"req_id"`

	// File metadata
	Adler32    string `dynamodbav:"adler32" json:"adler32"`
	FileSize   int64  `dynamodbav:"file_size" json:"file_size"`
	FileEvents int64  `dynamodbav:"file_events" json:"file_events"`
	FilePath   string `dynamodbav:"file_path" json:"file_path"`

	// Processing/Status
	Status       PathStatus `dynamodbav:"status" json:"status"`
	EventsServed int64      `dynamodbav:"events_served" json:"events_served"`
	Retries      int        `dynamodbav:"retries" json:"retries"`
	Info         string     `dynamodbav:"info" json:"info"`

	// Timestamps (epoch ms)
	CreatedAt      int64 `dynamodbav:"created_at" json:"created_at"`
	LastAccessedAt int64 `dynamodbav:"last_accessed_at" json:"last_accessed_at"`
}

func (p *Path) GetID() string      { return p.ID }
func (p *Path) SetID(id string)    { p.ID = id }
func (p *Path) GetVersion() int64  { return p.Version }
func (p *Path) SetVersion(v int64) { p.Version = v }

func (p *Path) Attr(field string) string {
	switch field {
	case "status":
		return string(p.Status)
	case "req_id":
		return p.ReqID
	case "file_path":
		return p.FilePath
	}
	return ""
}

// FileMeta describes a discovered file.
type FileMeta struct {
	ReqID      string `json:"req_id" validate:"required"`
	Adler32    string `json:"adler32" validate:"omitempty,hexadecimal,max=8"`
	FileSize   int64  `json:"file_size" validate:"gte=0"`
	FileEvents int64  `json:"file_events" validate:"gte=0"`
	FilePath   string `json:"file_path" validate:"required"`
}

func (m FileMeta) Validate() error { return validateStruct(m) }
