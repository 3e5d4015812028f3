package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/pkg/money"
	"gorm.io/gorm"
)

const OperationRecharge = "recharge"

type State string

const (
	StateInitiated        State = "initiated"
	StateSettledByWebhook State = "settled_by_webhook"
	StateSettledByUser    State = "settled_by_user"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

func (s State) Settled() bool {
	return s == StateSettledByWebhook || s == StateSettledByUser
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Path is the trigger that confirms an operation.
type Path string

const (
	PathWebhook Path = "webhook"
	PathUser    Path = "user"
)

func ParsePath(raw string) (Path, bool) {
	switch Path(strings.ToLower(strings.TrimSpace(raw))) {
	case PathWebhook:
		return PathWebhook, true
	case PathUser:
		return PathUser, true
	}
	return "", false
}

// SettledState is the state a winning settlement on this path moves to.
func (p Path) SettledState() State {
	if p == PathWebhook {
		return StateSettledByWebhook
	}
	return StateSettledByUser
}

const DetailAmountMismatch = "amount_mismatch"

// Record tracks one operation that can be confirmed by the provider webhook or by the user.
type Record struct {
	ID                snowflake.ID `json:"id"`
	OperationType     string       `json:"operation_type"`
	ExternalReference string       `json:"external_reference"`
	OwnerID           string       `json:"owner_id"`
	AmountMinor       int64        `json:"-"`
	State             State        `json:"state"`
	SettledBy         *string      `json:"settled_by,omitempty"`
	WebhookObservedAt *time.Time   `json:"webhook_observed_at,omitempty"`
	UserObservedAt    *time.Time   `json:"user_observed_at,omitempty"`
	ErrorDetail       *string      `json:"error_detail,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         *time.Time   `json:"updated_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

func (r Record) Amount() decimal.Decimal { return money.FromMinor(r.AmountMinor) }

type InitiateRequest struct {
	OperationType     string
	ExternalReference string
	OwnerID           string
	Amount            decimal.Decimal
}

type SettleRequest struct {
	ExternalReference string
	Path              Path
	// OwnerID and Amount are checked against the record when set.
	OwnerID string
	Amount  *decimal.Decimal
}

type SettleResult struct {
	Record *Record
	// Won is true when this call performed the settlement and its ledger movement.
	Won bool
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, r *Record) (bool, error)
	FindByReference(ctx context.Context, db *gorm.DB, reference string) (*Record, error)
	Settle(ctx context.Context, db *gorm.DB, id snowflake.ID, path Path, at time.Time) (bool, error)
	MarkObserved(ctx context.Context, db *gorm.DB, id snowflake.ID, path Path, at time.Time) error
	Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, from State, detail string, at time.Time) (bool, error)
	ListSettled(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Record, error)
}

type Service interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Record, error)
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)
	Complete(ctx context.Context, reference string) error
	Fail(ctx context.Context, reference, detail string) error
	Get(ctx context.Context, reference, ownerID string) (*Record, error)
	FinalizePending(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidReference  = errors.New("invalid_external_reference")
	ErrInvalidOwner      = errors.New("invalid_owner")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidOperation  = errors.New("invalid_operation_type")
	ErrInvalidPath       = errors.New("invalid_settlement_path")
	ErrNotFound          = errors.New("reconciliation_record_not_found")
	ErrReferenceConflict = errors.New("external_reference_conflict")
	ErrAmountMismatch    = errors.New("amount_mismatch")
	ErrInvalidTransition = errors.New("invalid_transition")
)
