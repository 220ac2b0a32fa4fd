package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/dataset"
	"gitlab.com/kiberchaika/blackbird/src/internal/locations"
	"gitlab.com/kiberchaika/blackbird/src/internal/mover"
)

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Manage storage locations",
}

var locationPath string

// openLocations loads the locations manager of the configured dataset root
func openLocations() *locations.Manager {
	root := locationPath
	if root == "" {
		var err error
		if root, err = os.Getwd(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
	}
	mgr, err := locations.NewManager(root)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	if _, err := mgr.Load(); err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
	return mgr
}

var locationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		mgr := openLocations()
		for _, name := range mgr.Names() {
			path, _ := mgr.Path(name)
			fmt.Printf("%-16s %s\n", name, path)
		}
	},
}

var locationAddCmd = &cobra.Command{
	Use:   "add NAME PATH",
	Short: "Add a storage location",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		mgr := openLocations()
		if err := mgr.Add(args[0], args[1]); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := mgr.Save(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("location '%s' added\n", args[0])
	},
}

var locationRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a storage location",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mgr := openLocations()
		if err := mgr.Remove(args[0]); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := mgr.Save(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("location '%s' removed\n", args[0])
	},
}

var (
	balanceSize   float64
	balanceDryRun bool
)

// reportMove prints a move summary and exits non-zero on failures
func reportMove(stats *mover.Stats, dryRun bool) {
	if dryRun {
		fmt.Printf("dry run: %d files would move\n", stats.SkippedFiles)
		return
	}
	fmt.Printf("moved: %d, failed: %d, bytes: %d\n", stats.MovedFiles, stats.FailedFiles, stats.MovedBytes)
	if stats.FailedFiles > 0 {
		os.Exit(1)
	}
	fmt.Println("run 'blackbird reindex' to refresh the index")
}

var locationBalanceCmd = &cobra.Command{
	Use:   "balance SRC TGT",
	Short: "Move data between locations under a size budget",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ds := openDatasetForMove()
		stats, err := mover.Move(ds, mover.Config{
			SourceLocation: args[0],
			TargetLocation: args[1],
			SizeLimitGB:    balanceSize,
			DryRun:         balanceDryRun,
		})
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		reportMove(stats, balanceDryRun)
	},
}

var (
	moveFoldersSource string
	moveFoldersDryRun bool
)

var locationMoveFoldersCmd = &cobra.Command{
	Use:   "move-folders TGT FOLDERS...",
	Short: "Move specific folders to another location",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ds := openDatasetForMove()
		stats, err := mover.Move(ds, mover.Config{
			SourceLocation:  moveFoldersSource,
			TargetLocation:  args[0],
			SpecificFolders: args[1:],
			DryRun:          moveFoldersDryRun,
		})
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		reportMove(stats, moveFoldersDryRun)
	},
}

func openDatasetForMove() *dataset.Dataset {
	root := locationPath
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
	return ds
}

func init() {
	locationCmd.PersistentFlags().StringVar(&locationPath, "dataset-path", "", "dataset root (default: current directory)")
	locationBalanceCmd.Flags().Float64Var(&balanceSize, "size", 0, "size budget in GB")
	locationBalanceCmd.Flags().BoolVar(&balanceDryRun, "dry-run", false, "only report what would move")
	locationMoveFoldersCmd.Flags().StringVar(&moveFoldersSource, "source-location", locations.DefaultLocation, "source location name")
	locationMoveFoldersCmd.Flags().BoolVar(&moveFoldersDryRun, "dry-run", false, "only report what would move")
	locationCmd.AddCommand(locationListCmd, locationAddCmd, locationRemoveCmd, locationBalanceCmd, locationMoveFoldersCmd)
	rootCmd.AddCommand(locationCmd)
}
