// Vectord is a team-isolated vector ingestion and semantic-search daemon.
//
// It stores encrypted document chunks in Milvus collections, generates
// embeddings through a TEI-compatible HTTP provider with late-chunking
// windows, and exposes collection admin, search, and ingestion over HTTP.
//
// Usage:
//
//	# Start with defaults (Milvus on localhost:19530)
//	vectord serve
//
//	# Start with a config file
//	vectord serve --config /etc/vectord/config.yaml
//
// Every setting can also be supplied via VECTORD_-prefixed environment
// variables; see internal/config for precedence rules.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "vectord",
	Short:   "Team-isolated vector ingestion and semantic-search daemon",
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("vectord by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
