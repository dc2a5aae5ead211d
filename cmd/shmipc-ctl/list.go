package main

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List region files under the shared-memory base directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		pattern := "*"
		if len(args) == 1 {
			pattern = args[0]
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

		entries, err := os.ReadDir(baseDir)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("(directory does not exist; nothing has been opened under it yet)")
				return nil
			}
			return fmt.Errorf("reading %s: %w", baseDir, err)
		}

		isTTY := term.IsTerminal(int(os.Stdout.Fd()))
		if isTTY {
			fmt.Printf("%-48s %10s\n", "REGION", "SIZE")
		}

		matched := 0
		for _, e := range entries {
			if e.IsDir() || !g.Match(e.Name()) {
				continue
			}
			matched++
			info, err := e.Info()
			if err != nil {
				continue
			}
			if isTTY {
				fmt.Printf("%-48s %10d\n", e.Name(), info.Size())
			} else {
				fmt.Println(e.Name())
			}
		}
		if isTTY && matched == 0 {
			fmt.Println("(no regions matched)")
		}
		return nil
	},
}
