package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newDumpCmd())
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Show free pages and slab cache state",
		Long: `The dump command boots the allocator and prints the free page count
and, for every slab size class, the object geometry and slab counts.

Example:
  pmmctl dump
  pmmctl dump --manager slub --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd)
		},
	}
}

func runDump(cmd *cobra.Command) error {
	a, _, err := boot(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.Stats()
	if jsonOut {
		return printJSON(st)
	}

	printInfo("Manager:       %s\n", st.Manager)
	printInfo("Pages:         %d\n", st.Pages)
	printInfo("Managed pages: %d\n", st.ManagedPages)
	printInfo("Free pages:    %d\n", st.FreePages)
	if len(st.Caches) == 0 {
		return nil
	}
	printInfo("Slab pages:    %d (%d free)\n\n", st.SlabPages, st.SlabFree)
	printInfo("%-10s %6s %6s %6s %8s %5s %7s %6s\n",
		"CACHE", "OBJECT", "ACTUAL", "PER", "PARTIAL", "FULL", "EMPTY", "INUSE")
	for _, c := range st.Caches {
		printInfo("%-10s %6d %6d %6d %8d %5d %7d %6d\n",
			c.Name, c.ObjectSize, c.ActualSize, c.ObjectsPerSlab, c.Partial, c.Full, c.Empty, c.InUse)
	}
	return nil
}
