package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// FormatErrorPolicy decides what a fetch does when a page is not JSON.
type FormatErrorPolicy string

const (
	// FormatErrorStop keeps the rows gathered so far and ends pagination.
	FormatErrorStop FormatErrorPolicy = "stop"
	// FormatErrorPropagate fails the run.
	FormatErrorPropagate FormatErrorPolicy = "propagate"
)

// NoWindow disables date-window filtering.
const NoWindow = -1

// ErrUnknownPreset is returned by ApplyPreset for unregistered names.
var ErrUnknownPreset = errors.New("config: unknown preset")

// Config holds fetcher configuration.
type Config struct {
	Endpoint           string
	Locale             string
	PostalCode         string
	MerchantQuery      string
	StoreLabel         string
	WindowDays         int // NoWindow disables date filtering
	OnFormatError      FormatErrorPolicy
	Timeout            time.Duration
	UserAgent          string
	OutputFile         string
	OutputFormat       string // csv, json, or dual
	BatchSize          int
	PipelineBufferSize int
	DateCacheSize      int
	MetricsAddr        string
	Verbose            bool
}

// DefaultConfig returns the Walmart flyer defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:           "https://backflipp.wishabi.com/flipp/items/search",
		Locale:             "en-ca",
		PostalCode:         "V5A1S6",
		MerchantQuery:      "Walmart",
		StoreLabel:         "Walmart",
		WindowDays:         30,
		OnFormatError:      FormatErrorStop,
		Timeout:            20 * time.Second,
		UserAgent:          "Mozilla/5.0",
		OutputFile:         "data/walmart_sample.csv",
		OutputFormat:       "csv",
		BatchSize:          64,
		PipelineBufferSize: 512,
		DateCacheSize:      1024,
	}
}

// Windowed reports whether date-window filtering is enabled.
func (c *Config) Windowed() bool {
	return c.WindowDays >= 0
}

// Clone returns a shallow copy of c.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

var presets = map[string]func(*Config){
	"walmart": func(c *Config) {
		c.MerchantQuery = "Walmart"
		c.StoreLabel = "Walmart"
		c.WindowDays = 30
		c.OnFormatError = FormatErrorStop
		c.OutputFile = "data/walmart_sample.csv"
	},
	"superstore": func(c *Config) {
		c.MerchantQuery = "Real Canadian Superstore"
		c.StoreLabel = "Superstore"
		c.WindowDays = NoWindow
		c.OnFormatError = FormatErrorPropagate
		c.OutputFile = "data/superstore_sample.csv"
	},
}

// Presets lists the registered preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset overwrites the merchant-specific fields of c with a named preset.
func (c *Config) ApplyPreset(name string) error {
	apply, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %q (known: %s)", ErrUnknownPreset, name, strings.Join(Presets(), ", "))
	}
	apply(c)
	return nil
}

// ParseFormatErrorPolicy converts a user-supplied policy name.
func ParseFormatErrorPolicy(s string) (FormatErrorPolicy, error) {
	switch FormatErrorPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case FormatErrorStop:
		return FormatErrorStop, nil
	case FormatErrorPropagate:
		return FormatErrorPropagate, nil
	default:
		return "", fmt.Errorf("format error policy must be stop or propagate, got %q", s)
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	parsedURL, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("endpoint must include a host")
	}

	if strings.TrimSpace(c.Locale) == "" {
		return fmt.Errorf("locale cannot be empty")
	}
	if strings.TrimSpace(c.PostalCode) == "" {
		return fmt.Errorf("postal code cannot be empty")
	}
	if strings.TrimSpace(c.MerchantQuery) == "" {
		return fmt.Errorf("merchant query cannot be empty")
	}
	if strings.TrimSpace(c.StoreLabel) == "" {
		return fmt.Errorf("store label cannot be empty")
	}
	if c.WindowDays < NoWindow {
		return fmt.Errorf("window days must be %d (disabled) or non-negative", NoWindow)
	}
	if _, err := ParseFormatErrorPolicy(string(c.OnFormatError)); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.DateCacheSize <= 0 {
		return fmt.Errorf("date cache size must be positive")
	}

	return nil
}
