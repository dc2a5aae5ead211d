package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shmipc/shmipc"
)

var clearCmd = &cobra.Command{
	Use:   "clear <name>",
	Short: "Force-clear a route/channel's shared-memory regions, as if it had never existed",
	Long: "Force-clear a route/channel's shared-memory regions, as if it had never existed.\n" +
		"Unconditional: it does not check whether another process still has the name open.\n" +
		"Use it to recover from a crash that left stale regions behind, not on a name\n" +
		"still in active use.",
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		name := args[0]
		if err := shmipc.ClearStorage(name, shmipc.WithBaseDir(baseDir), shmipc.WithNamespace(namespace)); err != nil {
			return fmt.Errorf("clearing %q: %w", name, err)
		}
		fmt.Printf("cleared %q\n", name)
		return nil
	},
}
