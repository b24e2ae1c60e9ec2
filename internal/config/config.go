package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration parameters
type Config struct {
	SeedURL string `json:"seed_url" yaml:"seed_url"`
	Preset  string `json:"preset" yaml:"preset"`

	// Crawl loop
	MaxPages              int     `json:"max_pages" yaml:"max_pages"`
	MaxDepth              int     `json:"max_depth" yaml:"max_depth"`
	BatchSize             int     `json:"batch_size" yaml:"batch_size"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	DeadEndThreshold      int     `json:"dead_end_threshold" yaml:"dead_end_threshold"`
	RevisitRatioThreshold float64 `json:"revisit_ratio_threshold" yaml:"revisit_ratio_threshold"`
	FetchFilePages        bool    `json:"fetch_file_pages" yaml:"fetch_file_pages"`

	// Fetching
	RequestTimeoutMs       int      `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	DelayBetweenRequestsMs int      `json:"delay_between_requests_ms" yaml:"delay_between_requests_ms"`
	UserAgent              string   `json:"user_agent" yaml:"user_agent"`
	IncludeExternal        bool     `json:"include_external" yaml:"include_external"`
	ExcludePatterns        []string `json:"exclude_patterns" yaml:"exclude_patterns"`
	MaxSubdomainsPerRoot   int      `json:"max_subdomains_per_root" yaml:"max_subdomains_per_root"`

	// Files and downloads
	DiscoverFiles           *bool    `json:"discover_files" yaml:"discover_files"`
	DownloadFiles           *bool    `json:"download_files" yaml:"download_files"`
	MaxConcurrentDownloads  int      `json:"max_concurrent_downloads" yaml:"max_concurrent_downloads"`
	DownloadQueueCapacity   int      `json:"download_queue_capacity" yaml:"download_queue_capacity"`
	DownloadMaxRetries      int      `json:"download_max_retries" yaml:"download_max_retries"`
	DownloadDir             string   `json:"download_dir" yaml:"download_dir"`
	DownloadTimeoutMs       int      `json:"download_timeout_ms" yaml:"download_timeout_ms"`
	DownloadRatePerSecond   float64  `json:"download_rate_per_second" yaml:"download_rate_per_second"`
	MaxFileSizeMB           int      `json:"max_file_size_mb" yaml:"max_file_size_mb"`
	FileExtensionsWhitelist []string `json:"file_extensions_whitelist" yaml:"file_extensions_whitelist"`
	FileExtensionsBlacklist []string `json:"file_extensions_blacklist" yaml:"file_extensions_blacklist"`
	DrainTimeoutMs          int      `json:"drain_timeout_ms" yaml:"drain_timeout_ms"`

	// Outputs
	DBPath        string `json:"db_path" yaml:"db_path"`
	MetricsPath   string `json:"metrics_path" yaml:"metrics_path"`
	InventoryPath string `json:"inventory_path" yaml:"inventory_path"`
}

// Override adjusts a decoded config before defaults and validation
type Override func(*Config)

// WithSeed replaces the seed URL when seedURL is non-empty
func WithSeed(seedURL string) Override {
	return func(c *Config) {
		if seedURL != "" {
			c.SeedURL = seedURL
		}
	}
}

// LoadConfig reads a JSON or YAML file (chosen by extension), applies
// overrides, the named preset and defaults, then validates. An empty path
// starts from an empty config.
func LoadConfig(path string, overrides ...Override) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, err
		}
	}

	for _, o := range overrides {
		o(&cfg)
	}

	if err := applyPreset(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 1000
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 50
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.DeadEndThreshold == 0 {
		cfg.DeadEndThreshold = 50
	}
	if cfg.RevisitRatioThreshold == 0 {
		cfg.RevisitRatioThreshold = 0.95
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 10000
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "deadend-crawler/1.0"
	}
	if cfg.DiscoverFiles == nil {
		cfg.DiscoverFiles = boolPtr(true)
	}
	if cfg.DownloadFiles == nil {
		cfg.DownloadFiles = boolPtr(false)
	}
	if cfg.MaxConcurrentDownloads == 0 {
		cfg.MaxConcurrentDownloads = 5
	}
	if cfg.DownloadQueueCapacity == 0 {
		cfg.DownloadQueueCapacity = 1000
	}
	if cfg.DownloadMaxRetries == 0 {
		cfg.DownloadMaxRetries = 3
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	if cfg.DownloadTimeoutMs == 0 {
		cfg.DownloadTimeoutMs = 60000
	}
	if cfg.MaxFileSizeMB == 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.DrainTimeoutMs == 0 {
		cfg.DrainTimeoutMs = 300000
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "crawler.db"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.InventoryPath == "" {
		cfg.InventoryPath = "file_inventory.json"
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.SeedURL == "" {
		return fmt.Errorf("seed_url is required")
	}
	u, err := url.Parse(cfg.SeedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("seed_url must be an absolute http(s) URL, got %q", cfg.SeedURL)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"max_pages", cfg.MaxPages},
		{"max_depth", cfg.MaxDepth},
		{"batch_size", cfg.BatchSize},
		{"max_concurrent_requests", cfg.MaxConcurrentRequests},
		{"dead_end_threshold", cfg.DeadEndThreshold},
		{"max_concurrent_downloads", cfg.MaxConcurrentDownloads},
		{"download_queue_capacity", cfg.DownloadQueueCapacity},
		{"download_max_retries", cfg.DownloadMaxRetries},
		{"download_timeout_ms", cfg.DownloadTimeoutMs},
		{"max_file_size_mb", cfg.MaxFileSizeMB},
		{"drain_timeout_ms", cfg.DrainTimeoutMs},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", p.name, p.value)
		}
	}

	if cfg.RevisitRatioThreshold <= 0 || cfg.RevisitRatioThreshold > 1 {
		return fmt.Errorf("revisit_ratio_threshold must be within (0, 1], got %v", cfg.RevisitRatioThreshold)
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.DelayBetweenRequestsMs < 0 {
		return fmt.Errorf("delay_between_requests_ms must be >= 0")
	}
	if cfg.MaxSubdomainsPerRoot < 0 {
		return fmt.Errorf("max_subdomains_per_root must be >= 0")
	}
	if cfg.DownloadRatePerSecond < 0 {
		return fmt.Errorf("download_rate_per_second must be >= 0")
	}
	return nil
}

// FileDiscoveryEnabled reports whether discovered links are classified as files
func (c *Config) FileDiscoveryEnabled() bool {
	return c.DiscoverFiles == nil || *c.DiscoverFiles
}

// DownloadEnabled reports whether classified files are downloaded
func (c *Config) DownloadEnabled() bool {
	return c.FileDiscoveryEnabled() && c.DownloadFiles != nil && *c.DownloadFiles
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelayBetweenRequestsMs) * time.Millisecond
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutMs) * time.Millisecond
}

func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// MaxFileBytes converts MaxFileSizeMB to bytes
func (c *Config) MaxFileBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func boolPtr(b bool) *bool {
	return &b
}
