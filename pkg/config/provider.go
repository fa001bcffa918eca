package config

import "time"

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Storage StorageData `json:"storage"`
	HTTP    HTTPData    `json:"http,omitempty"`
	Cycle   CycleData   `json:"cycle,omitempty"`
}

// StorageData selects and configures the series store backend
type StorageData struct {
	TimescaleDB *TimescaleDBData `json:"timescaledb,omitempty"`
	SQLite      *SQLiteData      `json:"sqlite,omitempty"`
}

type TimescaleDBData struct {
	ConnectionString string `json:"connection_string"`
}

type SQLiteData struct {
	Path string `json:"path"`
}

// HTTPData configures the query/export REST server
type HTTPData struct {
	ListenAddr     string        `json:"listen_addr,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// CycleData configures the daily forecast cycle and its derivations
type CycleData struct {
	// Fraction of ensemble members that must exceed a return-period
	// threshold before a warning is raised for that threshold.
	ConfidenceCutoff float64 `json:"confidence_cutoff,omitempty"`

	// Number of forecast lead days carried in a warning bulletin.
	LeadDays int `json:"lead_days,omitempty"`

	// Minimum paired simulated/observed samples required to fit a
	// bias correction mapping.
	MinOverlap int `json:"min_overlap,omitempty"`

	// Number of probability breakpoints in the quantile mapping.
	Breakpoints int `json:"breakpoints,omitempty"`

	// Minimum valid ensemble members before a summary is flagged
	// low-confidence.
	MinMembers int `json:"min_members,omitempty"`

	// Stations processed concurrently during a cycle.
	Workers int `json:"workers,omitempty"`

	// Retention horizons per series kind, e.g. "87600h". Partitions
	// wholly outside a horizon are eligible for retirement.
	Retention map[string]time.Duration `json:"retention,omitempty"`
}

// Defaults fills unset cycle options with the operational values.
func (c *CycleData) Defaults() {
	if c.ConfidenceCutoff == 0 {
		c.ConfidenceCutoff = 0.40
	}
	if c.LeadDays == 0 {
		c.LeadDays = 14
	}
	if c.MinOverlap == 0 {
		c.MinOverlap = 30
	}
	if c.Breakpoints == 0 {
		c.Breakpoints = 99
	}
	if c.MinMembers == 0 {
		c.MinMembers = 10
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
}
