package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
)

var watchInterval time.Duration

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch PATH",
	Short: "Watch locations and reindex on changes",
	Long:  "Watch all location roots for file system changes and rebuild the index when the tree changed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ds, err := dataset.Open(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		watcher := dataset.NewWatcher(ds, watchInterval)

		var wg sync.WaitGroup
		wg.Add(1)
		go watcher.Run(ctx, &wg)

		go func() {
			for err := range watcher.Errors() {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs

		cancel()
		wg.Wait()
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "how often accumulated changes are processed")
	rootCmd.AddCommand(watchCmd)
}
