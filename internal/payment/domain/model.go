package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	recondomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

const (
	EventTypePaymentSucceeded = "payment_succeeded"
	EventTypePaymentFailed    = "payment_failed"
	// EventTypeIgnored events are acknowledged and recorded but have no effect.
	EventTypeIgnored = "ignored"
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	ProviderType    string
	Type            string
	Reference       string
	Amount          int64
	Currency        string
	OccurredAt      time.Time
	RawPayload      []byte
}

type AdapterConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
	Now           func() time.Time
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type Service interface {
	InitiateRecharge(ctx context.Context, ownerID string, amount decimal.Decimal) (*recondomain.Record, error)
	ConfirmRecharge(ctx context.Context, ownerID, reference string) (recondomain.SettleResult, error)
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (webhookdomain.Decision, error)
}

var (
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_payment_provider_config")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidOwner     = errors.New("invalid_owner")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrCurrencyMismatch = errors.New("currency_mismatch")
)
