package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/sync"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

var (
	syncFlags        transferFlags
	syncForceReindex bool
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync SOURCE DEST",
	Short: "Sync a dataset from a remote mirror",
	Long:  "Download the filtered file set of a remote WebDAV mirror into an existing local dataset",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ds, err := dataset.Open(args[1])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if syncForceReindex {
			if err := ds.Reindex(); err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
		}

		client, err := webdav.Connect(args[0], webdav.Options{
			UseHTTP2: syncFlags.http2,
			PoolSize: syncFlags.connectionPool,
		})
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		cfg := syncFlags.config()
		cfg.Resume = true
		holder := syncFlags.withProgress(&cfg)

		stats, err := sync.New(ds, client).Sync(context.Background(), cfg)
		holder.wait()
		if err != nil {
			fmt.Printf("sync failed: %v\n", err)
			os.Exit(1)
		}
		reportStats(stats)
	},
}

func init() {
	syncFlags.register(syncCmd)
	syncCmd.Flags().BoolVar(&syncForceReindex, "force-reindex", false, "rebuild the local index before syncing")
	rootCmd.AddCommand(syncCmd)
}
