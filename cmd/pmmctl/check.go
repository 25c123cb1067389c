package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newCheckCmd())
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Boot the allocator and run its self-check",
		Long: `The check command boots the configured page manager, runs the
manager's allocation script and list verification, and the slab
consistency check when a slab is configured.

Example:
  pmmctl check --pages 16384
  pmmctl check --manager slub --pages 64`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd)
		},
	}
}

type checkResult struct {
	Manager   string `json:"manager"`
	Pages     int    `json:"pages"`
	FreePages int    `json:"free_pages"`
	Passed    bool   `json:"passed"`
	Error     string `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command) error {
	a, cfg, err := boot(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	checkErr := guard(a.Check)
	res := checkResult{
		Manager:   a.Manager().Name(),
		Pages:     cfg.Pages,
		FreePages: a.NrFreePages(),
		Passed:    checkErr == nil,
	}
	if checkErr != nil {
		res.Error = checkErr.Error()
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if res.Passed {
		printInfo("%s check passed: %d of %d pages free\n", res.Manager, res.FreePages, res.Pages)
	}
	return checkErr
}
