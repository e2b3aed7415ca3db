package cfg

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// TargetType identifies the dialect of a replication target
type TargetType string

const (
	TargetMySQL  TargetType = "mysql"
	TargetOracle TargetType = "oracle"
)

// Converter names accepted in field mappings
const (
	ConverterLowercase = "lowercase"
	ConverterUppercase = "uppercase"
	ConverterTrim      = "trim"
	ConverterDefault   = "default"
	ConverterTypecast  = "typecast"
)

// SourceConfiguration describes the SQLite source database
type SourceConfiguration struct {
	DBPath      string   `toml:"db_path"`
	JournalMode string   `toml:"journal_mode"` // must be WAL
	Tables      []string `toml:"tables"`       // empty = capture all tables
}

// RetryPolicy controls per-target retry behavior
type RetryPolicy struct {
	MaxRetries    int     `toml:"max_retries"`
	BackoffFactor float64 `toml:"backoff_factor"`
	MaxDelayS     int     `toml:"max_delay"` // seconds
}

// ConnectionConfiguration holds target connection parameters.
// Database is used by MySQL targets, ServiceName by Oracle targets.
type ConnectionConfiguration struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Database    string `toml:"database"`
	ServiceName string `toml:"service_name"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	Charset     string `toml:"charset"`
	PoolSize    int    `toml:"pool_size"`
}

// TargetConfiguration describes one replication target
type TargetConfiguration struct {
	Name       string                  `toml:"name"`
	Type       TargetType              `toml:"type"`
	Connection ConnectionConfiguration `toml:"connection"`
	BatchSize  int                     `toml:"batch_size"` // 0 = inherit global
	Retry      RetryPolicy             `toml:"retry_policy"`
}

// FieldMapping renames a source field and optionally converts its value
type FieldMapping struct {
	SourceField     string                 `toml:"source_field"`
	TargetField     string                 `toml:"target_field"` // empty = same as source
	Converter       string                 `toml:"converter"`
	ConverterParams map[string]interface{} `toml:"converter_params"`
}

// TableMapping maps a source table to a target table
type TableMapping struct {
	SourceTable     string         `toml:"source_table"`
	TargetTable     string         `toml:"target_table"` // empty = same as source
	PrimaryKey      string         `toml:"primary_key"`
	FieldMappings   []FieldMapping `toml:"field_mappings"`
	FilterCondition string         `toml:"filter_condition"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
	File   string `toml:"file"`
}

// MetricsConfiguration for the Prometheus listener
type MetricsConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
}

// NotifyConfiguration for alert delivery
type NotifyConfiguration struct {
	WebhookURL string `toml:"webhook_url"`
}

// Configuration is the root config for a sync run. It is built once at
// startup and never mutated afterwards.
type Configuration struct {
	Source   SourceConfiguration   `toml:"source"`
	Targets  []TargetConfiguration `toml:"targets"`
	Mappings []TableMapping        `toml:"mappings"`

	BatchSize          int    `toml:"batch_size"`
	MaxBatchSize       int    `toml:"max_batch_size"`
	CheckpointInterval int    `toml:"checkpoint_interval"` // batches between initial-sync checkpoint flushes
	CheckpointDir      string `toml:"checkpoint_dir"`
	PollIntervalMS     int    `toml:"poll_interval_ms"`
	ShutdownGraceMS    int    `toml:"shutdown_grace_ms"`
	BacklogSoftLimit   int    `toml:"backlog_soft_limit"`
	SkipDataErrors     bool   `toml:"skip_data_errors"`

	Logging LoggingConfiguration `toml:"logging"`
	Metrics MetricsConfiguration `toml:"metrics"`
	Notify  NotifyConfiguration  `toml:"notify"`
}

// Default returns a Configuration populated with defaults. Load decodes
// the config file on top of this.
func Default() *Configuration {
	return &Configuration{
		Source: SourceConfiguration{
			JournalMode: "WAL",
		},
		BatchSize:          100,
		MaxBatchSize:       1000,
		CheckpointInterval: 10,
		CheckpointDir:      ".",
		PollIntervalMS:     1000,
		ShutdownGraceMS:    5000,
		BacklogSoftLimit:   10000,
		Logging: LoggingConfiguration{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfiguration{
			Enabled:     false,
			BindAddress: "0.0.0.0:9090",
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv resolves ${NAME} and ${NAME:-default} references in raw config
// text. A reference without a default to an unset variable is an error.
func ExpandEnv(content string) (string, error) {
	var missing []string
	expanded := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if strings.Contains(match, ":-") {
			return groups[2]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables referenced in config: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Load reads, interpolates and decodes a TOML configuration file, applies
// defaults, and validates the result.
func Load(path string) (*Configuration, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadString(string(content))
}

// LoadString decodes configuration from TOML text. Used by Load and tests.
func LoadString(content string) (*Configuration, error) {
	expanded, err := ExpandEnv(content)
	if err != nil {
		return nil, err
	}

	config := Default()
	if _, err := toml.Decode(expanded, config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyDefaults fills per-target and per-mapping fields left empty in the file
func (c *Configuration) applyDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Connection.Port == 0 {
			switch t.Type {
			case TargetMySQL:
				t.Connection.Port = 3306
			case TargetOracle:
				t.Connection.Port = 1521
			}
		}
		if t.Connection.Charset == "" {
			t.Connection.Charset = "utf8mb4"
		}
		if t.Connection.PoolSize == 0 {
			t.Connection.PoolSize = 5
		}
		if t.BatchSize == 0 {
			t.BatchSize = c.BatchSize
		}
		if t.Retry.MaxRetries == 0 {
			t.Retry.MaxRetries = 3
		}
		if t.Retry.BackoffFactor == 0 {
			t.Retry.BackoffFactor = 1.0
		}
		if t.Retry.MaxDelayS == 0 {
			t.Retry.MaxDelayS = 60
		}
	}

	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.TargetTable == "" {
			m.TargetTable = m.SourceTable
		}
		if m.PrimaryKey == "" {
			m.PrimaryKey = "id"
		}
		for j := range m.FieldMappings {
			fm := &m.FieldMappings[j]
			if fm.TargetField == "" {
				fm.TargetField = fm.SourceField
			}
		}
	}
}

var validConverters = map[string]bool{
	ConverterLowercase: true,
	ConverterUppercase: true,
	ConverterTrim:      true,
	ConverterDefault:   true,
	ConverterTypecast:  true,
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the configuration for errors. Returned errors are fatal
// at startup.
func (c *Configuration) Validate() error {
	if c.Source.DBPath == "" {
		return fmt.Errorf("source.db_path is required")
	}
	if !strings.EqualFold(c.Source.JournalMode, "WAL") {
		return fmt.Errorf("source.journal_mode must be WAL, got %q", c.Source.JournalMode)
	}

	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	seen := map[string]bool{}
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("target name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[t.Name] = true

		switch t.Type {
		case TargetMySQL:
			if t.Connection.Database == "" {
				return fmt.Errorf("target %s: connection.database is required for mysql", t.Name)
			}
		case TargetOracle:
			if t.Connection.ServiceName == "" {
				return fmt.Errorf("target %s: connection.service_name is required for oracle", t.Name)
			}
		default:
			return fmt.Errorf("target %s: unknown type %q", t.Name, t.Type)
		}

		if t.Connection.Host == "" {
			return fmt.Errorf("target %s: connection.host is required", t.Name)
		}
		if t.Connection.Port < 1 || t.Connection.Port > 65535 {
			return fmt.Errorf("target %s: invalid port %d", t.Name, t.Connection.Port)
		}
		if t.Retry.MaxRetries < 0 {
			return fmt.Errorf("target %s: max_retries must be >= 0", t.Name)
		}
		if t.Retry.BackoffFactor < 0 {
			return fmt.Errorf("target %s: backoff_factor must be >= 0", t.Name)
		}
	}

	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one table mapping is required")
	}
	if len(c.Source.Tables) > 0 {
		allowed := map[string]bool{}
		for _, t := range c.Source.Tables {
			allowed[t] = true
		}
		for _, m := range c.Mappings {
			if !allowed[m.SourceTable] {
				return fmt.Errorf("mapping table %s not listed in source.tables", m.SourceTable)
			}
		}
	}
	for _, m := range c.Mappings {
		if m.SourceTable == "" {
			return fmt.Errorf("mapping source_table is required")
		}
		for _, fm := range m.FieldMappings {
			if fm.SourceField == "" {
				return fmt.Errorf("mapping %s: source_field is required", m.SourceTable)
			}
			if fm.Converter != "" && !validConverters[fm.Converter] {
				return fmt.Errorf("mapping %s.%s: unknown converter %q", m.SourceTable, fm.SourceField, fm.Converter)
			}
			if fm.Converter == ConverterDefault {
				if _, ok := fm.ConverterParams["value"]; !ok {
					return fmt.Errorf("mapping %s.%s: default converter requires a value param", m.SourceTable, fm.SourceField)
				}
			}
			if fm.Converter == ConverterTypecast {
				tt, _ := fm.ConverterParams["target_type"].(string)
				switch tt {
				case "int", "float", "str", "bool":
				default:
					return fmt.Errorf("mapping %s.%s: typecast target_type must be one of int, float, str, bool", m.SourceTable, fm.SourceField)
				}
			}
		}
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	if c.MaxBatchSize < c.BatchSize {
		return fmt.Errorf("max_batch_size must be >= batch_size")
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint_interval must be >= 1")
	}
	if c.PollIntervalMS < 1 {
		return fmt.Errorf("poll_interval_ms must be >= 1")
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// Mapping returns the table mapping for a source table, or nil
func (c *Configuration) Mapping(sourceTable string) *TableMapping {
	for i := range c.Mappings {
		if c.Mappings[i].SourceTable == sourceTable {
			return &c.Mappings[i]
		}
	}
	return nil
}

// Target returns the target configuration by name, or nil
func (c *Configuration) Target(name string) *TargetConfiguration {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}

// SourceTables returns the source tables of all mappings
func (c *Configuration) SourceTables() []string {
	tables := make([]string, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		tables = append(tables, m.SourceTable)
	}
	return tables
}
