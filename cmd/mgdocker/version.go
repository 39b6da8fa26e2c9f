package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/mgdocker/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s %s)\n",
				cmd.Root().Name(), info.Version, info.Module, info.GoVersion, info.Platform)
			return err
		},
	}
}
