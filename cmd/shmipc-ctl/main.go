// Command shmipc-ctl is an operational tool for inspecting and recovering
// the shared-memory state a route or channel leaves behind: listing the
// region files under a base directory and force-clearing the ones a crashed
// process failed to release.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shmipc/shmipc/internal/shm"
)

var baseDir string
var namespace string

var rootCmd = &cobra.Command{
	Use:   "shmipc-ctl",
	Short: "Inspect and recover shmipc shared-memory state",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", shm.DefaultDir(), "shared-memory base directory")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "namespace prefix used when opening the route/channel")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
