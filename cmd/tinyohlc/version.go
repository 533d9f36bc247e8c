package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyohlc/pkg/server"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		// Skip config loading
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tinyohlc %s\n", server.Version)
		},
	}
}
