package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khalidbs/vulnveille/cmd/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of vulnveille",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.Use().Version)
	},
}
