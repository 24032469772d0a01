package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// SourceSeed is one entry of the sources.yaml seed file consumed by the
// init-sources CLI verb. Priority groups let operators onboard the large
// cities first (1), then the mid-size ones (2), then everything else (3).
type SourceSeed struct {
	URL      string `yaml:"url"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

type sourcesFile struct {
	Sources []SourceSeed `yaml:"sources"`
}

// LoadSources parses a YAML seed file of OParl endpoints.
func LoadSources(path string) ([]SourceSeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sf sourcesFile
	if err := yaml.NewDecoder(f).Decode(&sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range sf.Sources {
		if sf.Sources[i].URL == "" {
			return nil, fmt.Errorf("%s: source %d has no url", path, i)
		}
		if sf.Sources[i].Priority == 0 {
			sf.Sources[i].Priority = 3
		}
	}
	return sf.Sources, nil
}
