package carrier

import (
	"github.com/smallbiznis/meterline/internal/config"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/internal/webhook"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("carrier.service",
	fx.Provide(func(cfg config.Config, log *zap.Logger) usagedomain.Dispatcher {
		return NewHTTPDispatcher(cfg, log)
	}),
	fx.Provide(fx.Annotate(
		func(cfg config.Config) webhookdomain.Verifier {
			return NewVerifier(cfg.Webhook.CarrierSecret)
		},
		fx.ResultTags(webhook.VerifierGroup),
	)),
	fx.Provide(NewService),
)
