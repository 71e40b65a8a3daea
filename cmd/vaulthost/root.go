package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "vaulthost",
		Short: "Serve Markdown vaults with live change notifications",
		Long: `vaulthost serves directory trees of plain-text documents over HTTP.

Changes made on disk or through the API are pushed to every websocket
client subscribed to the vault. Concurrent edits never lose content:
rejected writes are kept next to the original as conflict copies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newWatchCommand(), newVersionCommand())
	return root
}
