package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"gitlab.com/kiberchaika/blackbird/src/internal/schema"
	"gitlab.com/kiberchaika/blackbird/src/internal/webdav"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the component schema",
}

var (
	discoverNumArtists int
	discoverTestRun    bool
)

// schemaDiscoverCmd derives the schema from the files of a dataset
var schemaDiscoverCmd = &cobra.Command{
	Use:   "discover PATH [FOLDERS...]",
	Short: "Discover components from file names",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := schema.Load(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		folders := args[1:]
		if len(folders) == 0 && discoverNumArtists > 0 {
			folders = firstArtistFolders(args[0], discoverNumArtists)
		}

		stats, err := s.Discover(folders)
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}

		writeSchema(s)
		fmt.Printf("\n%d files analyzed, %d base names, %d unmatched\n",
			stats.TotalFiles, stats.BaseNames, stats.UnmatchedFiles)

		if discoverTestRun {
			fmt.Println("test run, schema not saved")
			return
		}
		if err := s.Save(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("schema saved to %s\n", s.Path())
	},
}

// firstArtistFolders returns up to n artist directories of the dataset root
func firstArtistFolders(root string, n int) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var folders []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		folders = append(folders, entry.Name())
		if len(folders) == n {
			break
		}
	}
	return folders
}

// writeSchema prints the component definitions sorted by name
func writeSchema(s *schema.Schema) {
	names := s.Names()
	sort.Strings(names)
	fmt.Printf("schema version %s, %d components:\n", s.Version, len(names))
	for _, name := range names {
		comp := s.Components[name]
		multiple := ""
		if comp.Multiple {
			multiple = " (multiple)"
		}
		fmt.Printf("    %-40s %s%s\n", name, comp.Pattern, multiple)
	}
}

// schemaShowCmd prints the schema of a local dataset or a remote mirror
var schemaShowCmd = &cobra.Command{
	Use:   "show PATH|URL",
	Short: "Show the component schema",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var s *schema.Schema
		var err error
		if strings.HasPrefix(args[0], "webdav://") {
			var client *webdav.Client
			if client, err = webdav.Connect(args[0], webdav.Options{}); err == nil {
				s, err = client.GetSchema()
			}
		} else {
			s, err = schema.Load(args[0])
		}
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		writeSchema(s)
	},
}

var schemaAddMultiple bool

// schemaAddCmd adds one component definition
var schemaAddCmd = &cobra.Command{
	Use:   "add PATH NAME PATTERN",
	Short: "Add a component to the schema",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := schema.Load(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := s.Add(args[1], args[2], schemaAddMultiple); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := s.Save(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("component '%s' added\n", args[1])
	},
}

// schemaRemoveCmd removes one component definition
var schemaRemoveCmd = &cobra.Command{
	Use:   "remove PATH NAME",
	Short: "Remove a component from the schema",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := schema.Load(args[0])
		if err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := s.Remove(args[1]); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		if err := s.Save(); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("component '%s' removed\n", args[1])
	},
}

func init() {
	schemaDiscoverCmd.Flags().IntVar(&discoverNumArtists, "num-artists", 0, "analyze only the first N artist folders")
	schemaDiscoverCmd.Flags().BoolVar(&discoverTestRun, "test-run", false, "discover without saving")
	schemaCmd.AddCommand(schemaDiscoverCmd, schemaShowCmd, schemaAddCmd, schemaRemoveCmd)
	rootCmd.AddCommand(schemaCmd)
}
