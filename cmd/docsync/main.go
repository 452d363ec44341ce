package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Local mirror of the remote document store with a reviewed suggestion queue",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Secrets referenced as ${ENV} in the config file may live in .env.
		_ = godotenv.Load()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the docsync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("docsync version %s\n", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(suggestionsCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("DOCSYNC_CONFIG"); p != "" {
		return p
	}
	return "docsync.yaml"
}
