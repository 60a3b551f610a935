package cli

import (
	"github.com/spf13/cobra"

	"github.com/zerafachris/onyx-cz-sub000/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.Get().String())
	},
}
