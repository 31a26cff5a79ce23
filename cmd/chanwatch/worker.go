package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/chanwatch/internal/parser"
	"github.com/JakeFAU/chanwatch/internal/parseworker"
)

// newParseWorkerCmd is the parser child. It needs no configuration: the
// parent sends everything a task needs.
func newParseWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "parse-worker",
		Short:  "Parse thread pages sent on stdin (spawned by serve)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return parseworker.Serve(cmd.Context(), parser.Default(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}
