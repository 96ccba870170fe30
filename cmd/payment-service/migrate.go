package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var (
		steps  int
		status bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			mg, err := db.NewMigrator(cfg.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			defer func() { _ = mg.Close() }()

			switch {
			case status:
				v, dirty, err := mg.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
				return nil
			case steps != 0:
				return mg.Steps(steps)
			default:
				return mg.Up()
			}
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "apply n migrations; negative rolls back")
	cmd.Flags().BoolVar(&status, "status", false, "print the applied schema version")
	return cmd
}
