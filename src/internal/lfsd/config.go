package lfsd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"blobcache.io/bclfs/src/lfsstore"
)

const ConfigFilename = "config.toml"

// Config tunes the daemon.  Zero limits are disabled.
type Config struct {
	// BaseURL is where clients reach the daemon.  If empty the listener address is used.
	BaseURL string

	RequestRate     float64
	RequestBurst    int
	Bandwidth       int64
	BandwidthWindow time.Duration
	DefaultQuota    int64
}

func DefaultConfig() Config {
	return Config{
		RequestRate:     50,
		RequestBurst:    100,
		BandwidthWindow: time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("base_url: %w", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("base_url: scheme must be http or https, have %q", u.Scheme))
		}
	}
	if c.RequestRate < 0 {
		errs = append(errs, fmt.Errorf("request_rate cannot be negative"))
	}
	if c.RequestBurst < 0 {
		errs = append(errs, fmt.Errorf("request_burst cannot be negative"))
	}
	if c.Bandwidth < 0 {
		errs = append(errs, fmt.Errorf("bandwidth cannot be negative"))
	}
	if c.BandwidthWindow < 0 {
		errs = append(errs, fmt.Errorf("bandwidth_window cannot be negative"))
	}
	if c.DefaultQuota < 0 {
		errs = append(errs, fmt.Errorf("default_quota cannot be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) storeConfig(baseURL string) lfsstore.Config {
	if c.BaseURL != "" {
		baseURL = c.BaseURL
	}
	return lfsstore.Config{
		BaseURL:         baseURL,
		RequestRate:     rate.Limit(c.RequestRate),
		RequestBurst:    c.RequestBurst,
		Bandwidth:       c.Bandwidth,
		BandwidthWindow: c.BandwidthWindow,
		DefaultQuota:    c.DefaultQuota,
	}
}

type fileConfig struct {
	BaseURL         string  `toml:"base_url"`
	RequestRate     float64 `toml:"request_rate"`
	RequestBurst    int     `toml:"request_burst"`
	Bandwidth       int64   `toml:"bandwidth"`
	BandwidthWindow string  `toml:"bandwidth_window"`
	DefaultQuota    int64   `toml:"default_quota"`
}

// LoadConfig reads config.toml from stateDir.
// Keys which are not in the file, or a missing file, keep their DefaultConfig values.
func LoadConfig(stateDir string) (Config, error) {
	cfg := DefaultConfig()
	p := filepath.Join(stateDir, ConfigFilename)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return cfg, nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(p, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", undec)
	}
	if meta.IsDefined("base_url") {
		cfg.BaseURL = strings.TrimSpace(raw.BaseURL)
	}
	if meta.IsDefined("request_rate") {
		cfg.RequestRate = raw.RequestRate
	}
	if meta.IsDefined("request_burst") {
		cfg.RequestBurst = raw.RequestBurst
	}
	if meta.IsDefined("bandwidth") {
		cfg.Bandwidth = raw.Bandwidth
	}
	if meta.IsDefined("bandwidth_window") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BandwidthWindow))
		if err != nil {
			return Config{}, fmt.Errorf("parse bandwidth_window: %w", err)
		}
		cfg.BandwidthWindow = d
	}
	if meta.IsDefined("default_quota") {
		cfg.DefaultQuota = raw.DefaultQuota
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteConfig writes cfg to config.toml in stateDir.
func WriteConfig(stateDir string, cfg Config) error {
	raw := fileConfig{
		BaseURL:         cfg.BaseURL,
		RequestRate:     cfg.RequestRate,
		RequestBurst:    cfg.RequestBurst,
		Bandwidth:       cfg.Bandwidth,
		BandwidthWindow: cfg.BandwidthWindow.String(),
		DefaultQuota:    cfg.DefaultQuota,
	}
	f, err := os.Create(filepath.Join(stateDir, ConfigFilename))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(raw); err != nil {
		return err
	}
	return f.Close()
}
