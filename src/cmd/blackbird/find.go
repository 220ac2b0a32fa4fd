package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
)

var (
	findHas     []string
	findMissing []string
	findArtist  string
	findAlbum   string
)

// findTracksCmd represents the find-tracks command
var findTracksCmd = &cobra.Command{
	Use:   "find-tracks PATH",
	Short: "Find tracks by component presence",
	Long:  "List tracks that have all of the --has components and none of the --missing ones",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ds, err := dataset.Open(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		matches, err := ds.FindTracks(findHas, findMissing, findArtist, findAlbum)
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		trackPaths := make([]string, 0, len(matches))
		for trackPath := range matches {
			trackPaths = append(trackPaths, trackPath)
		}
		sort.Strings(trackPaths)
		for _, trackPath := range trackPaths {
			fmt.Println(trackPath)
			for _, file := range matches[trackPath] {
				fmt.Printf("    %s\n", file)
			}
		}
		fmt.Printf("%d tracks\n", len(matches))
	},
}

func init() {
	findTracksCmd.Flags().StringSliceVar(&findHas, "has", nil, "components the track must have")
	findTracksCmd.Flags().StringSliceVar(&findMissing, "missing", nil, "components the track must lack")
	findTracksCmd.Flags().StringVar(&findArtist, "artist", "", "restrict to one artist")
	findTracksCmd.Flags().StringVar(&findAlbum, "album", "", "restrict to one symbolic album path")
	rootCmd.AddCommand(findTracksCmd)
}
