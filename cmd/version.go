package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// set with -ldflags "-X github.com/fzft/go-amted/cmd.gitSHA1=..."
var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

func GitSHA1() string {
	return gitSHA1
}

func GitDirty() string {
	return gitDirty
}

func BuildIdRaw() string {
	return buildID + buildDate + gitSHA1 + gitDirty
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "amted sha=%s:%s build=%s date=%s id=%s\n",
				GitSHA1(), GitDirty(), buildID, buildDate, BuildIdRaw())
		},
	}
}
