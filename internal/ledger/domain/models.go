package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"github.com/smallbiznis/meterline/pkg/money"
	"gorm.io/gorm"
)

type MovementKind string

const (
	MovementKindRecharge    MovementKind = "recharge"
	MovementKindConsumption MovementKind = "consumption"
	MovementKindRefund      MovementKind = "refund"
)

// Movement is an immutable signed change to a customer balance.
type Movement struct {
	ID                snowflake.ID  `json:"id"`
	CustomerID        string        `json:"customer_id"`
	AmountMinor       int64         `json:"-"`
	Kind              MovementKind  `json:"kind"`
	ExternalReference *string       `json:"external_reference,omitempty"`
	RelatedResourceID *snowflake.ID `json:"related_resource_id,omitempty"`
	BalanceAfterMinor int64         `json:"-"`
	CreatedAt         time.Time     `json:"created_at"`
}

func (m Movement) Amount() decimal.Decimal { return money.FromMinor(m.AmountMinor) }

func (m Movement) BalanceAfter() decimal.Decimal { return money.FromMinor(m.BalanceAfterMinor) }

type Balance struct {
	CustomerID  string          `json:"customer_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	LastUpdated *time.Time      `json:"last_updated,omitempty"`
}

type ApplyRequest struct {
	CustomerID        string
	Amount            decimal.Decimal
	Kind              MovementKind
	ExternalReference string
	RelatedResourceID snowflake.ID
}

type MovementsRequest struct {
	CustomerID string
	pagination.Pagination
}

type MovementsPage struct {
	pagination.PageInfo
	Movements []Movement `json:"movements"`
}

// Verification compares the stored balance with the sum of its movements.
type Verification struct {
	CustomerID    string
	BalanceMinor  int64
	MovementMinor int64
	Movements     int64
}

func (v Verification) Consistent() bool { return v.BalanceMinor == v.MovementMinor }

type Service interface {
	Apply(ctx context.Context, req ApplyRequest) (*Movement, error)
	// ApplyTx applies the movement inside tx; the caller owns commit and rollback.
	// Once tx commits the caller reports the movement through Committed.
	ApplyTx(ctx context.Context, tx *gorm.DB, req ApplyRequest) (*Movement, error)
	Committed(ctx context.Context, m *Movement)
	Balance(ctx context.Context, customerID string) (Balance, error)
	Movements(ctx context.Context, req MovementsRequest) (MovementsPage, error)
	Verify(ctx context.Context, customerID string) (Verification, error)
}

var (
	ErrInvalidCustomer        = errors.New("invalid_customer")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidKind            = errors.New("invalid_movement_kind")
	ErrConsumptionNotRecorded = errors.New("consumption_not_recorded")
	ErrDuplicateMovement      = errors.New("duplicate_movement")
	ErrBalanceMismatch        = errors.New("balance_mismatch")
)
