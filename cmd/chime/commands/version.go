package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veilwork/chime/internal/version"
)

// VersionCmd prints the build version
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("chime", version.Version)
	},
}
