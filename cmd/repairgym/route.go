package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route <path>",
	Short: "Print the test suites a change to path would run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		suites := cat.Router().Route(args[0])
		if len(suites) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "(no suites matched, the full suite would run)")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(suites, "\n"))
		return nil
	},
}
