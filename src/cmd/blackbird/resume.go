package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/mover"
	"gitlab.com/kiberchaika/blackbird/src/internal/ops"
	"gitlab.com/kiberchaika/blackbird/src/internal/sync"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

var (
	resumeDatasetPath string
	resumeParallel    int
	resumePool        int
	resumeHTTP2       bool
)

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume STATE_FILE",
	Short: "Resume an interrupted operation",
	Long:  "Re-run the pending and failed files of a sync or move operation from its state file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := resumeDatasetPath
		if root == "" {
			var err error
			if root, err = os.Getwd(); err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
		}
		ds, err := dataset.Open(root)
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		state, err := ops.Load(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		switch state.OperationType {
		case ops.TypeSync:
			client, err := webdav.Connect(state.Source, webdav.Options{
				UseHTTP2: resumeHTTP2,
				PoolSize: resumePool,
			})
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			var holder progressHolder
			stats, err := sync.New(ds, client).Resume(context.Background(), args[0], resumeParallel,
				func(files int, bytes int64) { holder.bars = newProgressBars(files, bytes) },
				func(symbolic string, size int64, status string) {
					if holder.bars != nil {
						holder.bars.onFile(symbolic, size, status)
					}
				})
			holder.wait()
			if err != nil {
				fmt.Printf("resume failed: %v\n", err)
				os.Exit(1)
			}
			reportStats(stats)

		case ops.TypeMove:
			stats, err := mover.Resume(ds, args[0], nil)
			if err != nil {
				fmt.Printf("resume failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("moved: %d, failed: %d, bytes: %d\n", stats.MovedFiles, stats.FailedFiles, stats.MovedBytes)
			if stats.FailedFiles > 0 {
				os.Exit(1)
			}

		default:
			fmt.Printf("unknown operation type '%s' in state file\n", state.OperationType)
			os.Exit(1)
		}
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDatasetPath, "dataset-path", "", "dataset root (default: current directory)")
	resumeCmd.Flags().IntVar(&resumeParallel, "parallel", 1, "number of parallel downloads")
	resumeCmd.Flags().IntVar(&resumePool, "connection-pool", 10, "connection pool size")
	resumeCmd.Flags().BoolVar(&resumeHTTP2, "http2", false, "attempt HTTP/2")
	rootCmd.AddCommand(resumeCmd)
}
