package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
)

var preamble = `blackbird ` + Version + `

blackbird manages large multi-component media datasets: schema discovery,
multi-location indexing, WebDAV clone/sync with resume, rebalancing between
storage locations and streaming processing pipelines.`

var logLevel string

var rootCmd = &cobra.Command{
	Use:     "blackbird",
	Short:   "blackbird dataset manager",
	Long:    preamble,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
	// running without a subcommand inside a dataset prints a status summary
	Run: func(cmd *cobra.Command, args []string) {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if _, err := os.Stat(filepath.Join(cwd, locations.BlackbirdDir)); err != nil {
			fmt.Printf("no dataset found in %s (missing %s directory)\n", cwd, locations.BlackbirdDir)
			os.Exit(1)
		}
		ds, err := dataset.Open(cwd)
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		ds.WriteStatus(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "log level (trace, debug, info, warning, error)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}
