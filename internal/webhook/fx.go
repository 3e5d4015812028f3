package webhook

import (
	"github.com/smallbiznis/meterline/internal/webhook/domain"
	"github.com/smallbiznis/meterline/internal/webhook/repository"
	"github.com/smallbiznis/meterline/internal/webhook/service"
	"go.uber.org/fx"
)

// VerifierGroup is the fx value group provider verifiers register into.
const VerifierGroup = `group:"webhook.verifiers"`

type registryParams struct {
	fx.In

	Verifiers []domain.Verifier `group:"webhook.verifiers"`
}

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(p registryParams) *domain.Registry {
		return domain.NewRegistry(p.Verifiers...)
	}),
	fx.Provide(service.NewService),
)
