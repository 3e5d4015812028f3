package payment

import (
	"strings"

	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/payment/adapters"
	"github.com/smallbiznis/meterline/internal/payment/adapters/processor"
	"github.com/smallbiznis/meterline/internal/payment/domain"
	paymentservice "github.com/smallbiznis/meterline/internal/payment/service"
	"github.com/smallbiznis/meterline/internal/webhook"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			processor.NewFactory(),
		)
	}),
	fx.Provide(provideAdapter),
	fx.Provide(fx.Annotate(provideVerifier, fx.ResultTags(webhook.VerifierGroup))),
	fx.Provide(paymentservice.NewService),
)

func provideAdapter(registry *adapters.Registry, cfg config.Config, clk clock.Clock, log *zap.Logger) (domain.PaymentAdapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Webhook.PaymentProvider))
	adapter, err := registry.NewAdapter(provider, domain.AdapterConfig{
		WebhookSecret: cfg.Webhook.PaymentSecret,
		Tolerance:     cfg.Webhook.PaymentTolerance,
		Now:           clk.Now,
	})
	if err != nil {
		log.Error("payment provider adapter unavailable",
			zap.String("provider", provider),
			zap.Strings("registered", registry.Providers()),
			zap.Error(err),
		)
		return nil, err
	}
	return adapter, nil
}

func provideVerifier(cfg config.Config, adapter domain.PaymentAdapter) webhookdomain.Verifier {
	return gateVerifier{
		provider: strings.ToLower(strings.TrimSpace(cfg.Webhook.PaymentProvider)),
		adapter:  adapter,
	}
}
