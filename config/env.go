package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are left untouched.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// EnvString returns the trimmed value of key and whether it was set to something non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer. ok is false when the variable is unset.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides c with FLYERS_* environment variables. FLYERS_PRESET is
// not read here; callers apply presets first so env values win over them.
func (c *Config) ApplyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"FLYERS_ENDPOINT", &c.Endpoint},
		{"FLYERS_LOCALE", &c.Locale},
		{"FLYERS_POSTAL_CODE", &c.PostalCode},
		{"FLYERS_MERCHANT", &c.MerchantQuery},
		{"FLYERS_STORE", &c.StoreLabel},
		{"FLYERS_OUTPUT", &c.OutputFile},
		{"FLYERS_FORMAT", &c.OutputFormat},
		{"FLYERS_USER_AGENT", &c.UserAgent},
		{"FLYERS_METRICS_ADDR", &c.MetricsAddr},
	}
	for _, s := range strs {
		if value, ok := EnvString(s.key); ok {
			*s.dst = value
		}
	}

	if value, ok, err := EnvInt("FLYERS_WINDOW_DAYS"); err != nil {
		return err
	} else if ok {
		c.WindowDays = value
	}

	if value, ok := EnvString("FLYERS_ON_FORMAT_ERROR"); ok {
		policy, err := ParseFormatErrorPolicy(value)
		if err != nil {
			return fmt.Errorf("FLYERS_ON_FORMAT_ERROR: %w", err)
		}
		c.OnFormatError = policy
	}
	return nil
}
