package utils

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DownloadEntry is one item of a batch download list file.
type DownloadEntry struct {
	URL        string `yaml:"link"`
	OutputPath string `yaml:"op"`
	Threads    int    `yaml:"threads"`
}

// ReadDownloadList parses a yaml list of download entries.
func ReadDownloadList(path string) ([]DownloadEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading download list: %w", err)
	}
	var entries []DownloadEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing download list: %w", err)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("download list entry %d has no link", i)
		}
	}
	return entries, nil
}
