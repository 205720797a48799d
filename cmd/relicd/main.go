package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "relicd",
	Short: "Offline-resilience gateway for the Relic artifact-capture client",
	Long: `relicd sits between the Relic client and its upstream origin, serving
cached resources while offline and replaying deferred AI operations
(colorize, 3D reconstruction, info cards) once connectivity returns.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(queueCmd, cacheCmd, configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relicd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relicd version %s\n", version)
	},
}
