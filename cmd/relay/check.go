package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay-core/cli"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the AI CLI binary is installed and runnable",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary := cfg.GetCLIBinary()
		res := cli.CheckAvailability(binary)
		if !res.Available {
			return fmt.Errorf("%s: %s", binary, res.Error)
		}
		fmt.Printf("%s: %s (%s)\n", binary, res.Version, res.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
