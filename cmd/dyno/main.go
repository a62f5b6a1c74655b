package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "dyno",
		Short: "Per-user agent gateway for the Dyno dashboard",
		Long: "dyno hosts one agent session per user: a two-phase chat loop with\n" +
			"tool approvals, child session orchestration, dashboard layout\n" +
			"mutations, and webhook-triggered headless runs.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to dyno.yaml (default: ./dyno.yaml, ~/.dyno/dyno.yaml)")

	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}
