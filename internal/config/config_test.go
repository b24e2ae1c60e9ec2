package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"seed_url": "https://example.com",
		"max_pages": 20,
		"batch_size": 4,
		"exclude_patterns": ["*.php"],
		"download_files": true
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", cfg.SeedURL)
	assert.Equal(t, 20, cfg.MaxPages)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, []string{"*.php"}, cfg.ExcludePatterns)
	assert.True(t, cfg.DownloadEnabled())

	// defaults
	assert.Equal(t, 50, cfg.MaxDepth)
	assert.Equal(t, 10, cfg.MaxConcurrentRequests)
	assert.Equal(t, 50, cfg.DeadEndThreshold)
	assert.Equal(t, 0.95, cfg.RevisitRatioThreshold)
	assert.Equal(t, 5*time.Minute, cfg.DrainTimeout())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, int64(100*1024*1024), cfg.MaxFileBytes())
	assert.True(t, cfg.FileDiscoveryEnabled())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yml", `
seed_url: https://example.com/start
max_concurrent_requests: 3
delay_between_requests_ms: 250
discover_files: false
download_files: true
file_extensions_whitelist:
  - .pdf
  - .csv
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrentRequests)
	assert.Equal(t, 250*time.Millisecond, cfg.Delay())
	assert.Equal(t, []string{".pdf", ".csv"}, cfg.FileExtensionsWhitelist)
	assert.False(t, cfg.FileDiscoveryEnabled())
	assert.False(t, cfg.DownloadEnabled(), "downloads need discovery")
}

func TestLoadConfigWithoutFile(t *testing.T) {
	_, err := LoadConfig("")
	assert.ErrorContains(t, err, "seed_url is required")

	cfg, err := LoadConfig("", WithSeed("http://localhost:8080/"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/", cfg.SeedURL)
	assert.False(t, cfg.DownloadEnabled())
}

func TestSeedOverrideWins(t *testing.T) {
	path := writeConfig(t, "config.json", `{"seed_url": "https://example.com"}`)

	cfg, err := LoadConfig(path, WithSeed("https://other.org/"))
	require.NoError(t, err)
	assert.Equal(t, "https://other.org/", cfg.SeedURL)

	cfg, err = LoadConfig(path, WithSeed(""))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", cfg.SeedURL)
}

func TestPresets(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
seed_url: https://example.com
preset: Comprehensive
max_pages: 42
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "comprehensive", cfg.Preset)
	assert.Equal(t, 42, cfg.MaxPages, "explicit values beat the preset")
	assert.Equal(t, 100, cfg.MaxDepth)
	assert.Equal(t, 20, cfg.MaxConcurrentRequests)
	assert.Equal(t, 100, cfg.DelayBetweenRequestsMs)

	cfg, err = LoadConfig(writeConfig(t, "c.json", `{"seed_url": "https://example.com", "preset": "files_focused"}`))
	require.NoError(t, err)
	assert.True(t, cfg.DownloadEnabled())
	assert.Contains(t, cfg.FileExtensionsWhitelist, ".pdf")
	assert.Equal(t, 7500, cfg.MaxPages)

	cfg, err = LoadConfig(writeConfig(t, "c.json", `{"seed_url": "https://example.com", "preset": "fast"}`))
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxConcurrentRequests)
	assert.Equal(t, 50, cfg.DeadEndThreshold, "unset preset fields fall back to defaults")

	assert.Equal(t, []string{"balanced", "comprehensive", "fast", "files_focused"}, PresetNames())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"unknown preset", "c.json", `{"seed_url": "https://example.com", "preset": "turbo"}`, "unknown preset"},
		{"bad seed scheme", "c.json", `{"seed_url": "ftp://example.com"}`, "seed_url must be"},
		{"relative seed", "c.json", `{"seed_url": "/docs"}`, "seed_url must be"},
		{"negative pages", "c.json", `{"seed_url": "https://example.com", "max_pages": -1}`, "max_pages"},
		{"negative batch", "c.json", `{"seed_url": "https://example.com", "batch_size": -3}`, "batch_size"},
		{"revisit above one", "c.json", `{"seed_url": "https://example.com", "revisit_ratio_threshold": 1.5}`, "revisit_ratio_threshold"},
		{"short timeout", "c.json", `{"seed_url": "https://example.com", "request_timeout_ms": 10}`, "request_timeout_ms"},
		{"negative delay", "c.json", `{"seed_url": "https://example.com", "delay_between_requests_ms": -5}`, "delay_between_requests_ms"},
		{"negative subdomains", "c.json", `{"seed_url": "https://example.com", "max_subdomains_per_root": -1}`, "max_subdomains_per_root"},
		{"negative rate", "c.json", `{"seed_url": "https://example.com", "download_rate_per_second": -1}`, "download_rate_per_second"},
		{"bad json", "c.json", `{"seed_url":`, "parse config JSON"},
		{"bad yaml", "c.yaml", "seed_url: [", "parse config YAML"},
		{"unknown format", "c.toml", `seed_url = "x"`, "unsupported config format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.file, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to open config file")
}
