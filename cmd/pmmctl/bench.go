package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shenjiangwei/pmm/workload"
)

var (
	benchOpts       = workload.DefaultOptions()
	benchIterations int
	benchCheck      bool
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchOpts.Ops, "ops", benchOpts.Ops, "Operations per iteration")
	cmd.Flags().IntVar(&benchOpts.MaxPages, "max-pages", benchOpts.MaxPages, "Largest page request")
	cmd.Flags().Float64Var(&benchOpts.AllocRatio, "alloc-ratio", benchOpts.AllocRatio, "Share of operations that allocate")
	cmd.Flags().Float64Var(&benchOpts.ObjectRatio, "object-ratio", benchOpts.ObjectRatio, "Share of allocations that are small objects")
	cmd.Flags().Int64Var(&benchOpts.Seed, "seed", benchOpts.Seed, "Random seed of the first iteration")
	cmd.Flags().IntVar(&benchIterations, "iterations", 3, "Number of iterations, each on a fresh allocator")
	cmd.Flags().BoolVar(&benchCheck, "check", true, "Run the self-check after every iteration")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Run a randomized allocation workload",
		Long: `The bench command boots a fresh allocator per iteration and drives it
with a seeded mix of page allocations, small objects and frees. Live blocks
are released oldest first and everything is drained at the end, so the free
page count must return to where it started.

Example:
  pmmctl bench --ops 1000000 --iterations 5
  pmmctl bench --manager slub --pages 4096 --max-pages 1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd)
		},
	}
}

type benchIteration struct {
	Iteration int             `json:"iteration"`
	Seed      int64           `json:"seed"`
	Result    workload.Result `json:"result"`
}

func runBench(cmd *cobra.Command) error {
	if benchIterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", benchIterations)
	}
	if err := benchOpts.Validate(); err != nil {
		return err
	}

	var results []benchIteration
	for i := 0; i < benchIterations; i++ {
		a, _, err := boot(cmd)
		if err != nil {
			return err
		}
		opts := benchOpts
		opts.Seed = benchOpts.Seed + int64(i)

		res, err := workload.Run(a, opts)
		if err == nil && benchCheck {
			err = guard(a.Check)
		}
		a.Close()
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
		results = append(results, benchIteration{Iteration: i + 1, Seed: opts.Seed, Result: res})

		if !jsonOut {
			printInfo("Iteration %d results:\n", i+1)
			printInfo("  Allocations: %d (%d objects)\n", res.Allocs, res.Objects)
			printInfo("  Frees:       %d\n", res.Frees)
			printInfo("  Failures:    %d\n", res.Failures)
			printInfo("  Peak usage:  %d pages\n", res.PeakInUse)
			printInfo("  Free pages:  %d -> %d (conserved: %v)\n", res.StartFree, res.EndFree, res.Conserved)
			printInfo("  Duration:    %v\n\n", res.Duration)
		}
	}

	if jsonOut {
		return printJSON(results)
	}

	var avgDuration, avgPeak float64
	for _, r := range results {
		avgDuration += r.Result.Duration.Seconds()
		avgPeak += float64(r.Result.PeakInUse)
	}
	avgDuration /= float64(len(results))
	avgPeak /= float64(len(results))

	printInfo("Average results:\n")
	printInfo("  Average peak usage: %.1f pages\n", avgPeak)
	printInfo("  Average duration:   %.3f seconds\n", avgDuration)
	return nil
}
