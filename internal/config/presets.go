package config

import (
	"fmt"
	"sort"
	"strings"
)

// preset is a named bundle of crawl settings. Zero fields leave the config alone.
type preset struct {
	MaxDepth               int
	MaxPages               int
	MaxConcurrentRequests  int
	DelayBetweenRequestsMs int
	DeadEndThreshold       int
	RevisitRatioThreshold  float64
	Extensions             []string
	DownloadFiles          bool
}

var presets = map[string]preset{
	// Thorough crawl that tolerates long dry spells
	"comprehensive": {
		MaxDepth:               100,
		MaxPages:               10000,
		MaxConcurrentRequests:  20,
		DelayBetweenRequestsMs: 100,
		DeadEndThreshold:       50,
		RevisitRatioThreshold:  0.95,
	},
	"balanced": {
		MaxDepth:               50,
		MaxPages:               5000,
		MaxConcurrentRequests:  15,
		DelayBetweenRequestsMs: 200,
		DeadEndThreshold:       30,
		RevisitRatioThreshold:  0.90,
	},
	"fast": {
		MaxDepth:               25,
		MaxPages:               2000,
		MaxConcurrentRequests:  25,
		DelayBetweenRequestsMs: 50,
	},
	"files_focused": {
		MaxDepth:               75,
		MaxPages:               7500,
		MaxConcurrentRequests:  15,
		DelayBetweenRequestsMs: 150,
		Extensions: []string{
			".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
			".zip", ".tar", ".gz", ".rar", ".7z", ".txt", ".csv",
			".epub", ".mobi", ".json", ".xml",
		},
		DownloadFiles: true,
	},
}

// PresetNames lists the known presets in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyPreset fills unset fields from the named preset
func applyPreset(cfg *Config) error {
	if cfg.Preset == "" {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Preset))
	p, ok := presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q (known: %s)", cfg.Preset, strings.Join(PresetNames(), ", "))
	}
	cfg.Preset = name

	setInt(&cfg.MaxDepth, p.MaxDepth)
	setInt(&cfg.MaxPages, p.MaxPages)
	setInt(&cfg.MaxConcurrentRequests, p.MaxConcurrentRequests)
	setInt(&cfg.DelayBetweenRequestsMs, p.DelayBetweenRequestsMs)
	setInt(&cfg.DeadEndThreshold, p.DeadEndThreshold)
	if cfg.RevisitRatioThreshold == 0 {
		cfg.RevisitRatioThreshold = p.RevisitRatioThreshold
	}
	if cfg.FileExtensionsWhitelist == nil && p.Extensions != nil {
		cfg.FileExtensionsWhitelist = append([]string(nil), p.Extensions...)
	}
	if cfg.DownloadFiles == nil && p.DownloadFiles {
		cfg.DownloadFiles = boolPtr(true)
	}
	return nil
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}
