// Package config loads process settings from RAMLINK_* environment
// variables. Command-line flags override what is loaded here.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/ramlink/internal/delivery"
)

// Config holds every setting the run command needs.
type Config struct {
	Server   string   `env:"RAMLINK_SERVER"   envDefault:"ws://localhost:38281"`
	SlotName string   `env:"RAMLINK_SLOT"`
	Password string   `env:"RAMLINK_PASSWORD"`
	Tags     []string `env:"RAMLINK_TAGS"     envSeparator:","`

	// Memory is the emulator script's host:port.
	Memory         string        `env:"RAMLINK_MEMORY"          envDefault:"127.0.0.1:43055"`
	RequestTimeout time.Duration `env:"RAMLINK_REQUEST_TIMEOUT" envDefault:"500ms"`

	TickInterval time.Duration `env:"RAMLINK_TICK_INTERVAL" envDefault:"250ms"`
	SaveInterval int           `env:"RAMLINK_SAVE_INTERVAL" envDefault:"10"`

	CooldownInstant   int `env:"RAMLINK_COOLDOWN_INSTANT"   envDefault:"1"`
	CooldownInventory int `env:"RAMLINK_COOLDOWN_INVENTORY" envDefault:"1"`
	CooldownFloor     int `env:"RAMLINK_COOLDOWN_FLOOR"     envDefault:"1"`
	CooldownMisc      int `env:"RAMLINK_COOLDOWN_MISC"      envDefault:"0"`

	// JournalPath is the SQLite journal file. Empty disables journaling.
	JournalPath string `env:"RAMLINK_JOURNAL" envDefault:"ramlink.db"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `env:"RAMLINK_METRICS_ADDR"`
	// LayoutFile is an optional CUE overlay for the address layout.
	LayoutFile string `env:"RAMLINK_LAYOUT"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var c Config
	if err := ParseEnv(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Cooldowns returns the per-category cooldowns.
func (c Config) Cooldowns() delivery.Cooldowns {
	return delivery.Cooldowns{
		delivery.Instant:   c.CooldownInstant,
		delivery.Inventory: c.CooldownInventory,
		delivery.Floor:     c.CooldownFloor,
		delivery.Misc:      c.CooldownMisc,
	}
}

// Overlay reads the layout overlay, or returns nil when none is set.
func (c Config) Overlay() ([]byte, error) {
	if c.LayoutFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.LayoutFile)
	if err != nil {
		return nil, fmt.Errorf("read layout overlay: %w", err)
	}
	return data, nil
}

// Validate checks the settings the run command cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.SlotName == "" {
		errs = append(errs, errors.New("slot name is required"))
	}
	if u, err := url.Parse(c.Server); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("server %q must be a ws:// or wss:// URL", c.Server))
	}
	if c.Memory == "" {
		errs = append(errs, errors.New("memory address is required"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.SaveInterval <= 0 {
		errs = append(errs, errors.New("save interval must be positive"))
	}
	for name, v := range map[string]int{
		"instant": c.CooldownInstant, "inventory": c.CooldownInventory,
		"floor": c.CooldownFloor, "misc": c.CooldownMisc,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s cooldown must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
