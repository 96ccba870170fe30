package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/db"
)

func newReportCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the compliance report for the trailing window as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			pool, err := db.Connect(cmd.Context(), cfg.DatabaseDSN, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			audit := compliance.NewLogger(compliance.NewPostgresStore(pool), nil, logger)
			rep, err := audit.Report(cmd.Context(), hours)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "report window in hours")
	return cmd
}
