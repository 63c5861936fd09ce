package chatsync

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	DefaultPageSize           = 30
	DefaultPermissionDebounce = 400 * time.Millisecond
	DefaultSeenInterval       = time.Second
)

// Config configures an Engine.
type Config struct {
	SelfID             string        `toml:"self_id"`
	PageSize           int           `toml:"page_size"`
	PermissionDebounce time.Duration `toml:"-"`
	SeenInterval       time.Duration `toml:"-"`
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PermissionDebounce <= 0 {
		c.PermissionDebounce = DefaultPermissionDebounce
	}
	if c.SeenInterval <= 0 {
		c.SeenInterval = DefaultSeenInterval
	}
}

// WithDefaults returns a copy with unset fields filled in, as NewEngine
// would run it.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}

// LoadConfig reads an engine config from a TOML file. Durations are written
// as strings ("400ms").
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var raw struct {
		SelfID             string `toml:"self_id"`
		PageSize           int    `toml:"page_size"`
		PermissionDebounce string `toml:"permission_debounce"`
		SeenInterval       string `toml:"seen_interval"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg := &Config{SelfID: raw.SelfID, PageSize: raw.PageSize}
	if raw.PermissionDebounce != "" {
		if cfg.PermissionDebounce, err = time.ParseDuration(raw.PermissionDebounce); err != nil {
			return nil, fmt.Errorf("permission_debounce: %w", err)
		}
	}
	if raw.SeenInterval != "" {
		if cfg.SeenInterval, err = time.ParseDuration(raw.SeenInterval); err != nil {
			return nil, fmt.Errorf("seen_interval: %w", err)
		}
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("self_id is required")
	}
	cfg.defaults()
	return cfg, nil
}
