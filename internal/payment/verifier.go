package payment

import (
	"context"

	"github.com/smallbiznis/meterline/internal/payment/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

// gateVerifier lets the idempotency gate authenticate processor webhooks.
type gateVerifier struct {
	provider string
	adapter  domain.PaymentAdapter
}

func (v gateVerifier) Provider() string { return v.provider }

func (v gateVerifier) Verify(ctx context.Context, req webhookdomain.SignedRequest) error {
	return v.adapter.Verify(ctx, req.Body, req.Header)
}
