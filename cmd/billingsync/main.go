package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/costguard"
	"github.com/smallbiznis/billingsync/internal/inference"
	"github.com/smallbiznis/billingsync/internal/lemonsqueezy"
	"github.com/smallbiznis/billingsync/internal/logger"
	"github.com/smallbiznis/billingsync/internal/migration"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	"github.com/smallbiznis/billingsync/internal/providers/slack"
	"github.com/smallbiznis/billingsync/internal/reconcile"
	"github.com/smallbiznis/billingsync/internal/scheduler"
	"github.com/smallbiznis/billingsync/internal/server"
	"github.com/smallbiznis/billingsync/internal/usagereport"
	"github.com/smallbiznis/billingsync/internal/webhook"
	"github.com/smallbiznis/billingsync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		obsmetrics.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		migration.Module,

		// Domains
		lemonsqueezy.Module,
		slack.Module,
		costguard.Module,
		webhook.Module,
		usagereport.Module,
		inference.Module,
		reconcile.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
