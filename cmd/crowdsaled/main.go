// Package main is the entry point of the Tempus crowdsale service.
//
// The binary exposes three commands:
//
//	crowdsaled serve              run the HTTP API
//	crowdsaled migrate up|down|status
//	crowdsaled schedule           print the configured round calendar
//
// Configuration comes from the environment, optionally seeded by a dotenv
// file passed with --env-file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFiles []string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "crowdsaled",
		Short:         "Tiered token crowdsale service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env if present)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newScheduleCommand(),
		newHashKeyCommand(),
	)
	return root
}
