package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/shenjiangwei/pmm/config"
	"github.com/shenjiangwei/pmm/pmm"
)

var (
	// Global flags
	configPath string
	pages      int
	manager    string
	slabPages  int
	logLevel   string
	jsonOut    bool
)

var printer = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "pmmctl",
	Short: "Boot, check and stress the physical page frame allocator",
	Long: `pmmctl boots the buddy or slub page manager over an anonymous memory
arena, runs its self-checks, dumps slab cache state, drives randomized
workloads and serves the allocator over rpc.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML boot configuration")
	rootCmd.PersistentFlags().IntVar(&pages, "pages", 0, "Number of physical frames")
	rootCmd.PersistentFlags().StringVar(&manager, "manager", "", "Page manager: buddy or slub")
	rootCmd.PersistentFlags().IntVar(&slabPages, "slab-pages", 0, "Frames carved out for the slab when the manager is buddy")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: none, fatal, error, info, debug")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, then applies any flag the user set explicitly
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("pages") {
		cfg.Pages = pages
	}
	if flags.Changed("manager") {
		cfg.Manager = manager
	}
	if flags.Changed("slab-pages") {
		cfg.SlabPages = slabPages
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	level, err := pmm.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return cfg, err
	}
	pmm.SetLogLevel(level)
	if jsonOut {
		pmm.SetLogOutput(os.Stderr)
	}
	return cfg, nil
}

// boot loads the configuration and brings up an allocator
func boot(cmd *cobra.Command) (*pmm.Allocator, config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, cfg, err
	}
	a, err := pmm.NewAllocator(cfg)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to boot allocator: %w", err)
	}
	return a, cfg, nil
}

// guard turns an invariant violation raised by fn into an error
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var inv *pmm.InvariantError
			if e, ok := r.(error); ok && errors.As(e, &inv) {
				err = inv
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// printInfo prints a localized message to stdout
func printInfo(format string, args ...interface{}) {
	printer.Fprintf(os.Stdout, format, args...)
}

// printError prints an error message
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
