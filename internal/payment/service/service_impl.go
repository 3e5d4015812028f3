package service

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/observability/logger"
	"github.com/smallbiznis/meterline/internal/payment/domain"
	recondomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"github.com/smallbiznis/meterline/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const referencePrefix = "rch_"

type Params struct {
	fx.In

	Log            *zap.Logger
	Cfg            config.Config
	Adapter        domain.PaymentAdapter
	Gate           webhookdomain.Service
	Reconciliation recondomain.Service
}

type Service struct {
	log            *zap.Logger
	provider       string
	currency       string
	adapter        domain.PaymentAdapter
	gate           webhookdomain.Service
	reconciliation recondomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		log:            p.Log.Named("payment.service"),
		provider:       strings.ToLower(strings.TrimSpace(p.Cfg.Webhook.PaymentProvider)),
		currency:       strings.ToUpper(strings.TrimSpace(p.Cfg.Currency)),
		adapter:        p.Adapter,
		gate:           p.Gate,
		reconciliation: p.Reconciliation,
	}
}

// InitiateRecharge opens a recharge the customer will pay through the processor.
func (s *Service) InitiateRecharge(ctx context.Context, ownerID string, amount decimal.Decimal) (*recondomain.Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	if !amount.IsPositive() || !money.Round(amount).Equal(amount) {
		return nil, domain.ErrInvalidAmount
	}
	return s.reconciliation.Initiate(ctx, recondomain.InitiateRequest{
		OperationType:     recondomain.OperationRecharge,
		ExternalReference: referencePrefix + strings.ToLower(ulid.Make().String()),
		OwnerID:           ownerID,
		Amount:            amount,
	})
}

// ConfirmRecharge is the user settlement path, raced against the processor webhook.
func (s *Service) ConfirmRecharge(ctx context.Context, ownerID, reference string) (recondomain.SettleResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return recondomain.SettleResult{}, domain.ErrInvalidOwner
	}
	return s.reconciliation.Settle(ctx, recondomain.SettleRequest{
		ExternalReference: reference,
		Path:              recondomain.PathUser,
		OwnerID:           ownerID,
	})
}

func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (webhookdomain.Decision, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider != s.provider || s.adapter == nil {
		return "", domain.ErrProviderNotFound
	}

	// Payment events are never admitted unsigned, so the signature is checked before the body is parsed.
	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		logger.Security(logger.WithContext(ctx, s.log)).Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return webhookdomain.DecisionSignatureReject, err
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		return "", err
	}

	req := webhookdomain.AdmitRequest{
		Provider:  provider,
		EventID:   provider + ":" + event.ProviderEventID,
		EventKind: event.ProviderType,
		Request: webhookdomain.SignedRequest{
			Header: headers,
			Body:   payload,
		},
		Payload: payload,
	}
	return s.gate.Process(ctx, req, func(ctx context.Context) error {
		return s.apply(ctx, event)
	})
}

func (s *Service) apply(ctx context.Context, event *domain.PaymentEvent) error {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.ProviderType),
		zap.String("external_reference", event.Reference),
	)

	switch event.Type {
	case domain.EventTypePaymentSucceeded:
		if event.Currency != "" && event.Currency != s.currency {
			log.Warn("payment currency does not match billing currency", zap.String("currency", event.Currency))
			if err := s.reconciliation.Fail(ctx, event.Reference, domain.ErrCurrencyMismatch.Error()); err != nil && !terminal(err) {
				return err
			}
			return webhookdomain.Final(domain.ErrCurrencyMismatch)
		}
		amount := money.FromMinor(event.Amount)
		_, err := s.reconciliation.Settle(ctx, recondomain.SettleRequest{
			ExternalReference: event.Reference,
			Path:              recondomain.PathWebhook,
			Amount:            &amount,
		})
		return finalize(err)
	case domain.EventTypePaymentFailed:
		return finalize(s.reconciliation.Fail(ctx, event.Reference, domain.EventTypePaymentFailed))
	default:
		log.Debug("payment event ignored")
		return nil
	}
}

// finalize marks errors that redelivery cannot fix as final so the gate closes the event.
func finalize(err error) error {
	if err == nil {
		return nil
	}
	if terminal(err) {
		return webhookdomain.Final(err)
	}
	return err
}

func terminal(err error) bool {
	return errors.Is(err, recondomain.ErrNotFound) ||
		errors.Is(err, recondomain.ErrAmountMismatch) ||
		errors.Is(err, recondomain.ErrInvalidTransition) ||
		errors.Is(err, recondomain.ErrInvalidReference)
}
