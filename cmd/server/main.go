package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Real-time notification relay and admission-controlled task proxy",
	Long: `relay keeps one connection to the backend event source and fans every
upstream message out to the browsers connected on /notifications. Task
creation calls are proxied to the backend under a per-caller admission queue.

Configuration is read from the file given by --config, layered over defaults,
then overridden by RELAY_* environment variables.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
