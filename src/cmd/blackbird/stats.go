package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/index"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

var statsMissing string

// writeIndexStats prints a summary of an index, optionally with the number
// of tracks missing one component
func writeIndexStats(idx *index.Index, missing string) {
	p := message.NewPrinter(language.English)

	albums := 0
	for _, albumPaths := range idx.AlbumByArtist {
		albums += len(albumPaths)
	}
	p.Printf("tracks:  %d\n", len(idx.Tracks))
	p.Printf("artists: %d\n", len(idx.AlbumByArtist))
	p.Printf("albums:  %d\n", albums)
	p.Printf("files:   %d\n", len(idx.FileInfoByHash))
	p.Printf("size:    %d bytes\n", idx.TotalSize)

	names := make([]string, 0, len(idx.StatsByLocation))
	for name := range idx.StatsByLocation {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := idx.StatsByLocation[name]
		p.Printf("location %-12s %d files, %d tracks, %d bytes\n",
			name, stats.FileCount, stats.TrackCount, stats.TotalSize)
	}

	if missing != "" {
		count := 0
		for _, track := range idx.Tracks {
			if _, exists := track.Files[missing]; !exists {
				count++
			}
		}
		p.Printf("tracks missing '%s': %d\n", missing, count)
	}
}

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [URL|PATH]",
	Short: "Show dataset statistics",
	Long:  "Print index statistics of a local dataset or a remote WebDAV mirror",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}

		var idx *index.Index
		if strings.HasPrefix(target, "webdav://") {
			client, err := webdav.Connect(target, webdav.Options{})
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			if idx, err = client.GetIndex(); err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
		} else {
			ds, err := dataset.Open(target)
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			idx = ds.Index
		}

		writeIndexStats(idx, statsMissing)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsMissing, "missing", "", "count tracks missing this component")
	rootCmd.AddCommand(statsCmd)
}
