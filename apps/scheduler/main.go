package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/ledger"
	"github.com/smallbiznis/creditmeter/internal/migration"
	"github.com/smallbiznis/creditmeter/internal/observability"
	"github.com/smallbiznis/creditmeter/internal/pricing"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/scheduler"
	"github.com/smallbiznis/creditmeter/internal/subscription"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
)

// Standalone sweep worker for deployments that keep the API replicas
// free of background jobs.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by scheduler
		ledger.Module,
		pricing.Module,
		ratelimit.Module,
		subscription.Module,

		// No server module!
		fx.Decorate(forceScheduler),
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func forceScheduler(cfg config.Config) config.Config {
	cfg.Scheduler.Enabled = true
	return cfg
}
