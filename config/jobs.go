package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Job is one merchant entry of a job file. Zero values inherit from the file
// and then from the base configuration.
type Job struct {
	Preset        string `yaml:"preset"`
	MerchantQuery string `yaml:"merchant"`
	StoreLabel    string `yaml:"store"`
	PostalCode    string `yaml:"postal_code"`
	OutputFile    string `yaml:"output"`
	WindowDays    *int   `yaml:"window_days"`
	OnFormatError string `yaml:"on_format_error"`
}

// JobFile describes several merchant fetches sharing one endpoint.
type JobFile struct {
	Endpoint   string `yaml:"endpoint"`
	Locale     string `yaml:"locale"`
	PostalCode string `yaml:"postal_code"`
	Jobs       []Job  `yaml:"jobs"`
}

// LoadJobs reads a YAML job file and returns one validated Config per job.
func LoadJobs(path string, base *Config) ([]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	return ParseJobs(data, base)
}

// ParseJobs is LoadJobs over an in-memory document.
func ParseJobs(data []byte, base *Config) ([]*Config, error) {
	var file JobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("job file defines no jobs")
	}

	configs := make([]*Config, 0, len(file.Jobs))
	for i, job := range file.Jobs {
		cfg, err := file.resolve(job, base)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (f *JobFile) resolve(job Job, base *Config) (*Config, error) {
	cfg := base.Clone()
	setIfPresent(&cfg.Endpoint, f.Endpoint)
	setIfPresent(&cfg.Locale, f.Locale)
	setIfPresent(&cfg.PostalCode, f.PostalCode)

	if job.Preset != "" {
		if err := cfg.ApplyPreset(job.Preset); err != nil {
			return nil, err
		}
	}

	setIfPresent(&cfg.MerchantQuery, job.MerchantQuery)
	setIfPresent(&cfg.StoreLabel, job.StoreLabel)
	setIfPresent(&cfg.PostalCode, job.PostalCode)
	setIfPresent(&cfg.OutputFile, job.OutputFile)
	if job.WindowDays != nil {
		cfg.WindowDays = *job.WindowDays
	}
	if job.OnFormatError != "" {
		policy, err := ParseFormatErrorPolicy(job.OnFormatError)
		if err != nil {
			return nil, err
		}
		cfg.OnFormatError = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setIfPresent(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
