package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/podstore/podstore/internal/config"
	"github.com/podstore/podstore/internal/logging"
)

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the trial clock and cached status (receipts are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Shutdown()

			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer l.Close()

			if err := l.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Ledger reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Validate the catalog file and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Shutdown()

			catalog, err := config.LoadCatalog(cfg.CatalogFile)
			if err != nil {
				return err
			}
			out, err := catalog.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
