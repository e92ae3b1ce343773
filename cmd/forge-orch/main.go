package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "forge-orch",
		Short: "Forge Orchestrator - automated code-change workflow engine",
		Long: `Forge Orchestrator drives work orders through multi-step AI-assisted
code-change workflows: it provisions git sandboxes, runs the coding agent per
step, persists durable state, and opens pull requests on success.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
