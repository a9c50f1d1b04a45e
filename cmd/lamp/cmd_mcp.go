package main

import (
	"github.com/spf13/cobra"

	"github.com/rmax-ai/lampchain/pkg/mcp"
)

func newMCPCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the lamp graph to MCP clients over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; never log there
			logger := o.logger()
			return mcp.NewServer(o.client(logger), version, logger).Serve()
		},
	}
}
