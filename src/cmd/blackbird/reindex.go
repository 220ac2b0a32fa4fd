package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
)

// reindexCmd represents the reindex command
var reindexCmd = &cobra.Command{
	Use:   "reindex PATH",
	Short: "Rebuild the dataset index",
	Long:  "Scan all configured locations and rebuild the persisted index",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ds, err := dataset.Open(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := ds.Reindex(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		ds.WriteStatus(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
