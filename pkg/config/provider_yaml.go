package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// LoadConfig loads the complete configuration from YAML file
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	// Load into temporary struct with YAML tags
	var yamlConfig struct {
		Storage struct {
			TimescaleDB *struct {
				ConnectionString string `yaml:"connection_string"`
			} `yaml:"timescaledb,omitempty"`
			SQLite *struct {
				Path string `yaml:"path"`
			} `yaml:"sqlite,omitempty"`
		} `yaml:"storage"`
		HTTP struct {
			ListenAddr     string `yaml:"listen_addr,omitempty"`
			RequestTimeout string `yaml:"request_timeout,omitempty"`
		} `yaml:"http,omitempty"`
		Cycle struct {
			ConfidenceCutoff float64           `yaml:"confidence_cutoff,omitempty"`
			LeadDays         int               `yaml:"lead_days,omitempty"`
			MinOverlap       int               `yaml:"min_overlap,omitempty"`
			Breakpoints      int               `yaml:"breakpoints,omitempty"`
			MinMembers       int               `yaml:"min_members,omitempty"`
			Workers          int               `yaml:"workers,omitempty"`
			Retention        map[string]string `yaml:"retention,omitempty"`
		} `yaml:"cycle,omitempty"`
	}

	err = yaml.Unmarshal(cfgFile, &yamlConfig)
	if err != nil {
		return nil, err
	}

	// Convert to our internal format
	config := &ConfigData{}

	if yamlConfig.Storage.TimescaleDB != nil {
		config.Storage.TimescaleDB = &TimescaleDBData{
			ConnectionString: yamlConfig.Storage.TimescaleDB.ConnectionString,
		}
	}
	if yamlConfig.Storage.SQLite != nil {
		config.Storage.SQLite = &SQLiteData{
			Path: yamlConfig.Storage.SQLite.Path,
		}
	}

	config.HTTP.ListenAddr = yamlConfig.HTTP.ListenAddr
	if yamlConfig.HTTP.RequestTimeout != "" {
		d, err := time.ParseDuration(yamlConfig.HTTP.RequestTimeout)
		if err != nil {
			return nil, err
		}
		config.HTTP.RequestTimeout = d
	}

	config.Cycle = CycleData{
		ConfidenceCutoff: yamlConfig.Cycle.ConfidenceCutoff,
		LeadDays:         yamlConfig.Cycle.LeadDays,
		MinOverlap:       yamlConfig.Cycle.MinOverlap,
		Breakpoints:      yamlConfig.Cycle.Breakpoints,
		MinMembers:       yamlConfig.Cycle.MinMembers,
		Workers:          yamlConfig.Cycle.Workers,
	}
	if len(yamlConfig.Cycle.Retention) > 0 {
		config.Cycle.Retention = make(map[string]time.Duration, len(yamlConfig.Cycle.Retention))
		for kind, raw := range yamlConfig.Cycle.Retention {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, err
			}
			config.Cycle.Retention[kind] = d
		}
	}
	config.Cycle.Defaults()

	return config, nil
}

// IsReadOnly returns true since YAML files are read-only at runtime
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML providers
func (y *YAMLProvider) Close() error {
	return nil
}
