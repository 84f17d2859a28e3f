package commands

import (
	"fmt"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/spf13/cobra"
)

var checkBackend string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the async I/O backends",
	Long: `check runs a small write and read-back through each backend and prints
"<name>: ✓" when it works on this host, "<name>: x" otherwise. It exits with an
error when a single requested backend fails.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkBackend, "backend", "all", "backend to probe: all, uring, aio or pthread")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if _, err := setup(); err != nil {
		return err
	}

	names := aio.Backends()
	if checkBackend != "all" {
		names = []string{checkBackend}
	}
	if len(names) == 0 {
		return aio.ErrNoBackends
	}

	out := cmd.OutOrStdout()
	var failed error
	for _, name := range names {
		err := aio.ProbeBackend(name)
		mark := "✓"
		if err != nil {
			mark = "x"
			failed = err
		}
		fmt.Fprintf(out, "%s: %s\n", name, mark)
	}
	if checkBackend != "all" {
		return failed
	}
	if def, err := aio.DefaultBackend(); err == nil {
		fmt.Fprintf(out, "default: %s\n", def)
	}
	return nil
}
