package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the library and wire protocol versions",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dkls23 %s (protocol %d)\n", dkls23.LibraryVersion(), dkls23.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
