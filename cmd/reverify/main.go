package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reverify",
		Short: "Reverify - email re-verification service",
		Long: `Reverify drives email re-verification campaigns: it sends verification
notices to unverified accounts, consumes delivery, bounce and complaint
notifications from the sending service, and cleans up accounts that never
respond.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Reverify %s\n", cmd.Root().Version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}
