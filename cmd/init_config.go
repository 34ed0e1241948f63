package cmd

import (
	"fmt"

	"github.com/fzft/go-amted/config"
	"github.com/spf13/cobra"
)

func newInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a YAML config file holding the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(config.Default(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", args[0])
			return nil
		},
	}
}
