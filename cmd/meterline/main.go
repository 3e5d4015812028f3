package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/carrier"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/events"
	"github.com/smallbiznis/meterline/internal/ledger"
	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/observability"
	"github.com/smallbiznis/meterline/internal/payment"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/internal/rating"
	"github.com/smallbiznis/meterline/internal/reconciliation"
	"github.com/smallbiznis/meterline/internal/server"
	"github.com/smallbiznis/meterline/internal/sweeper"
	"github.com/smallbiznis/meterline/internal/usage"
	"github.com/smallbiznis/meterline/internal/webhook"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		events.Module,

		pricing.Module,
		rating.Module,
		webhook.Module,
		ledger.Module,
		usage.Module,
		reconciliation.Module,
		payment.Module,
		carrier.Module,

		sweeper.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
