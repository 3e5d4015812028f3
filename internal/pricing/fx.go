package pricing

import (
	"context"

	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/pricing/domain"
	"github.com/smallbiznis/meterline/internal/pricing/repository"
	"github.com/smallbiznis/meterline/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Invoke(seedDefaults),
)

func seedDefaults(lc fx.Lifecycle, svc domain.Service, holder *config.PricingDefaultsHolder) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := svc.SeedDefaults(ctx, holder.Get())
			return err
		},
	})
}
