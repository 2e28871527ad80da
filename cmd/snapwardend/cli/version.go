package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenfs/snapwarden/pkg/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
