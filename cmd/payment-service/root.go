package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/config"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payment-service",
		Short:         "Payment lifecycle and reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newReportCmd())
	return root
}

func setup() (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
