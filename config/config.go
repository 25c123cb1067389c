// Package config holds the boot configuration of the page frame allocator.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Page manager names accepted in Config.Manager
const (
	ManagerBuddy = "buddy"
	ManagerSlub  = "slub"
)

// Config describes the memory handed to the allocator at boot
type Config struct {
	// Pages is the number of physical frames in the frame table
	Pages int `yaml:"pages" json:"pages"`
	// Manager selects the page manager, buddy or slub
	Manager string `yaml:"manager" json:"manager"`
	// SlabPages carves the top frames out of a buddy-managed table for a slab
	// allocator. Ignored when Manager is slub, which owns every frame.
	SlabPages int `yaml:"slab_pages" json:"slab_pages"`
	// LogLevel is one of none, fatal, error, info, debug
	LogLevel string `yaml:"log_level" json:"log_level"`
	// Listen is the rpc server address
	Listen string `yaml:"listen" json:"listen"`
}

// Default returns a 32MB buddy configuration with 256 slab pages
func Default() Config {
	return Config{
		Pages:     8192,
		Manager:   ManagerBuddy,
		SlabPages: 256,
		LogLevel:  "info",
		Listen:    "localhost:1234",
	}
}

// Load reads a YAML file on top of the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the page counts and manager name
func (c Config) Validate() error {
	if c.Pages <= 0 {
		return fmt.Errorf("pages must be positive, got %d", c.Pages)
	}
	switch c.Manager {
	case ManagerBuddy:
		if c.SlabPages < 0 || c.SlabPages >= c.Pages {
			return fmt.Errorf("slab_pages must be in [0, %d), got %d", c.Pages, c.SlabPages)
		}
	case ManagerSlub:
	case "":
		return errors.New("manager must be set")
	default:
		return fmt.Errorf("unknown manager %q", c.Manager)
	}
	return nil
}

// BuddyPages returns the number of frames the page manager owns
func (c Config) BuddyPages() int {
	if c.Manager == ManagerSlub {
		return c.Pages
	}
	return c.Pages - c.SlabPages
}
