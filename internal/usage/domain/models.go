package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Kind string

const (
	KindCall               Kind = "call"
	KindSMS                Kind = "sms"
	KindVerificationNumber Kind = "verification_number"
)

func ParseKind(raw string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindCall:
		return KindCall, true
	case KindSMS:
		return KindSMS, true
	case KindVerificationNumber:
		return KindVerificationNumber, true
	}
	return "", false
}

// HasRingPhase reports whether the kind waits in initiating until the provider reports progress.
func (k Kind) HasRingPhase() bool { return k == KindCall }

type State string

const (
	StateInitiating State = "initiating"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

const (
	NoteDispatchFailed = "dispatch_failed"
	NoteStale          = "stale: no provider heartbeat"
	NoteUserEnded      = "ended_by_user"
	NoteProviderCancel = "cancelled_by_provider"
)

// ResourceUse tracks one call, message or number rental from start to a terminal state.
type ResourceUse struct {
	ID                    snowflake.ID
	OwnerID               string
	Kind                  Kind
	ResourceRef           string
	Target                string
	State                 State
	ProviderCorrelationID *string
	UnitCost              string
	DurationUnits         *int64
	CostMinor             *int64
	ConsumptionRecorded   bool
	StartedAt             time.Time
	AnsweredAt            *time.Time
	EndedAt               *time.Time
	LastHeartbeat         *time.Time
	Note                  *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (u ResourceUse) UnitCostDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(u.UnitCost))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (u ResourceUse) CorrelationID() string {
	if u.ProviderCorrelationID == nil {
		return ""
	}
	return *u.ProviderCorrelationID
}

type StartRequest struct {
	OwnerID     string
	Kind        string
	ResourceRef string
	Target      string
}

// Callback reports carry the carrier correlation id and, when the status callback URL
// echoed it, the resource use id. The use id resolves callbacks that arrive before the
// dispatch response stored the correlation id.
type ProgressReport struct {
	CorrelationID string
	UseID         snowflake.ID
	Answered      bool
}

type CompletionReport struct {
	CorrelationID   string
	UseID           snowflake.ID
	Status          string
	DurationSeconds int64
	Segments        int64
}

type FailureReport struct {
	CorrelationID   string
	UseID           snowflake.ID
	Status          string
	DurationSeconds int64
	Cancelled       bool
}

// Transition describes the effect of a lifecycle operation.
type Transition struct {
	Applied    bool
	State      State
	Quantity   int64
	Amount     decimal.Decimal
	MovementID snowflake.ID
}

// Settlement is a guarded move to a terminal state, optionally carrying the billed cost.
type Settlement struct {
	ID            snowflake.ID
	State         State
	DurationUnits int64
	CostMinor     int64
	Billed        bool
	EndedAt       time.Time
	Note          string
}

type DispatchRequest struct {
	UseID snowflake.ID
	Kind  Kind
	From  string
	To    string
}

// Dispatcher places the resource with the carrier.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (string, error)
	Hangup(ctx context.Context, correlationID string) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, use *ResourceUse) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ResourceUse, error)
	FindByCorrelation(ctx context.Context, db *gorm.DB, correlationID string) (*ResourceUse, error)
	SetDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, correlationID string, state State, at time.Time) (bool, error)
	AttachCorrelation(ctx context.Context, db *gorm.DB, id snowflake.ID, correlationID string, at time.Time) (bool, error)
	MarkInProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, answered bool, at time.Time) (bool, error)
	TouchHeartbeat(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	Settle(ctx context.Context, db *gorm.DB, s Settlement) (bool, error)
	ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]ResourceUse, error)
	MarkStale(ctx context.Context, db *gorm.DB, id snowflake.ID, cutoff time.Time, note string, at time.Time) (bool, error)
}

type Service interface {
	Start(ctx context.Context, req StartRequest) (*ResourceUse, error)
	Get(ctx context.Context, id snowflake.ID, ownerID string) (*ResourceUse, error)
	RecordProgress(ctx context.Context, report ProgressReport) (Transition, error)
	Heartbeat(ctx context.Context, correlationID string, useID snowflake.ID) (bool, error)
	RecordCompletion(ctx context.Context, report CompletionReport) (Transition, error)
	RecordFailure(ctx context.Context, report FailureReport) (Transition, error)
	End(ctx context.Context, id snowflake.ID, ownerID string) (Transition, error)
	SweepStale(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInvalidTarget       = errors.New("invalid_target")
	ErrInvalidCorrelation  = errors.New("invalid_correlation_id")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrUnknownResource     = errors.New("unknown_resource")
	ErrNotFound            = errors.New("resource_use_not_found")
	ErrDispatchFailed      = errors.New("dispatch_failed")
	// ErrDispatchRejected is returned by dispatchers when the carrier refuses the request outright.
	ErrDispatchRejected = errors.New("dispatch_rejected")
)
