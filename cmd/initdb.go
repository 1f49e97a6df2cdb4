package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khalidbs/vulnveille/cmd/config"
	"github.com/khalidbs/vulnveille/pkg/database"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the tracking database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Use().Database
		db, err := database.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("Database ready at %s\n", cfg.DSN)
		return nil
	},
}
