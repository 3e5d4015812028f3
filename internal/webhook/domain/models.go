package domain

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Decision is the gate's verdict on an inbound notification.
type Decision string

const (
	DecisionAccept          Decision = "accept"
	DecisionDuplicateIgnore Decision = "duplicate_ignore"
	DecisionSignatureReject Decision = "signature_reject"
)

// EventRecord is the persistent trace of one provider event. Rows are never deleted.
type EventRecord struct {
	ID            snowflake.ID
	EventID       string
	Provider      string
	PayloadDigest string
	AttemptCount  int
	Completed     bool
	ReceivedAt    time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
}

// SignedRequest carries everything a provider signature may cover.
type SignedRequest struct {
	URL    string
	Header http.Header
	Body   []byte
	Form   url.Values
}

type AdmitRequest struct {
	Provider string
	EventID  string
	// EventKind is matched against the bootstrap allow-list for unsigned requests.
	EventKind string
	Request   SignedRequest
	// Payload is digested to spot redeliveries whose content changed.
	Payload []byte
}

// Verifier authenticates requests from one provider.
type Verifier interface {
	Provider() string
	Verify(ctx context.Context, req SignedRequest) error
}

type Repository interface {
	FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*EventRecord, error)
	Insert(ctx context.Context, db *gorm.DB, rec *EventRecord) (bool, error)
	TouchAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}

type Service interface {
	Admit(ctx context.Context, req AdmitRequest) (Decision, *EventRecord, error)
	Complete(ctx context.Context, rec *EventRecord) error
	Process(ctx context.Context, req AdmitRequest, fn func(ctx context.Context) error) (Decision, error)
}

var (
	ErrSignatureMissing = errors.New("signature_missing")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrUnknownProvider  = errors.New("unknown_provider")
	ErrInvalidEvent     = errors.New("invalid_event")
)

type finalError struct {
	err error
}

func (e *finalError) Error() string { return e.err.Error() }

func (e *finalError) Unwrap() error { return e.err }

// Final marks a handler error as terminal: the event is recorded as complete and
// redeliveries are ignored, but the error is still reported to the caller.
func Final(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err: err}
}

func IsFinal(err error) bool {
	var fe *finalError
	return errors.As(err, &fe)
}
