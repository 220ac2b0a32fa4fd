package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/sync"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

// transfer flags shared by clone and sync
type transferFlags struct {
	components     []string
	artists        []string
	albums         []string
	missing        string
	proportion     float64
	offset         int
	parallel       int
	targetLocation string
	http2          bool
	connectionPool int
	profile        bool
	noProgress     bool
}

func (me *transferFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&me.components, "components", nil, "component names to transfer (default: all)")
	cmd.Flags().StringSliceVar(&me.artists, "artists", nil, "artist name glob patterns")
	cmd.Flags().StringSliceVar(&me.albums, "albums", nil, "album names")
	cmd.Flags().StringVar(&me.missing, "missing", "", "only tracks missing this component")
	cmd.Flags().Float64Var(&me.proportion, "proportion", 0, "proportion of artists to transfer (0-1]")
	cmd.Flags().IntVar(&me.offset, "offset", 0, "artist offset for proportional transfers")
	cmd.Flags().IntVar(&me.parallel, "parallel", 1, "number of parallel downloads")
	cmd.Flags().StringVar(&me.targetLocation, "target-location", "", "target location name (default: Main)")
	cmd.Flags().BoolVar(&me.http2, "http2", false, "attempt HTTP/2")
	cmd.Flags().IntVar(&me.connectionPool, "connection-pool", 10, "connection pool size")
	cmd.Flags().BoolVar(&me.profile, "profile", false, "enable performance profiling")
	cmd.Flags().BoolVar(&me.noProgress, "no-progress", false, "disable progress bars")
}

func (me *transferFlags) config() sync.Config {
	return sync.Config{
		Components:       me.components,
		Artists:          me.artists,
		Albums:           me.albums,
		MissingComponent: me.missing,
		Proportion:       me.proportion,
		Offset:           me.offset,
		Parallel:         me.parallel,
		TargetLocation:   me.targetLocation,
		EnableProfiling:  me.profile,
	}
}

// progressHolder defers bar creation until the file set is known
type progressHolder struct {
	bars *progressBars
}

func (me *progressHolder) wait() {
	if me != nil && me.bars != nil {
		me.bars.wait()
	}
}

// withProgress wires progress bars into a sync config unless disabled
func (me *transferFlags) withProgress(cfg *sync.Config) *progressHolder {
	if me.noProgress {
		return nil
	}
	holder := &progressHolder{}
	cfg.OnStart = func(files int, bytes int64) {
		holder.bars = newProgressBars(files, bytes)
	}
	cfg.OnFile = func(symbolic string, size int64, status string) {
		if holder.bars != nil {
			holder.bars.onFile(symbolic, size, status)
		}
	}
	return holder
}

// reportStats prints the transfer summary and exits non-zero on failures
func reportStats(stats *sync.Stats) {
	fmt.Printf("total: %d, downloaded: %d, skipped: %d, failed: %d, bytes: %d\n",
		stats.TotalFiles, stats.DownloadedFiles, stats.SkippedFiles, stats.FailedFiles, stats.SyncedSize)
	if stats.Profiling != nil {
		stats.Profiling.WriteSummary(os.Stdout)
	}
	if stats.Failed() {
		os.Exit(1)
	}
}

var cloneFlags transferFlags

// cloneCmd represents the clone command
var cloneCmd = &cobra.Command{
	Use:   "clone SOURCE DEST",
	Short: "Clone a remote dataset",
	Long:  "Initialize a local dataset from a remote WebDAV mirror and download the filtered file set",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := webdav.Connect(args[0], webdav.Options{
			UseHTTP2: cloneFlags.http2,
			PoolSize: cloneFlags.connectionPool,
		})
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		cfg := cloneFlags.config()
		holder := cloneFlags.withProgress(&cfg)

		stats, err := sync.Clone(context.Background(), client, args[1], cfg)
		holder.wait()
		if err != nil {
			fmt.Printf("clone failed: %v\n", err)
			os.Exit(1)
		}
		reportStats(stats)
	},
}

func init() {
	cloneFlags.register(cloneCmd)
	rootCmd.AddCommand(cloneCmd)
}
