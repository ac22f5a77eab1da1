package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// CAF_CATALOG_DATABASE_DRIVER=postgres.
	EnvPrefix = "CAF"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSQLitePath is the default catalog database location.
	DefaultSQLitePath = "db/caf.db"

	// DefaultEOSCommand is the default EOS client binary.
	DefaultEOSCommand = "eos"

	// DefaultTemplateDir is the default job-options template directory.
	DefaultTemplateDir = "./tmpl"

	// DefaultJobsDir is the default output directory for prepared jobs.
	DefaultJobsDir = "./jobs"

	// DefaultFilePrefix is prepended to every input file in job options.
	DefaultFilePrefix = "root://eosatlas/"

	// DefaultASetup is the default asetup release string.
	DefaultASetup = "20.1.7.2"

	// DefaultLauncherBackend is the default job launcher.
	DefaultLauncherBackend = "local"
)

// Default conditions folders.
const (
	DefaultSORFolder           = "/TDAQ/RunCtrl/SOR"
	DefaultEORFolder           = "/TDAQ/RunCtrl/EOR"
	DefaultEventCountersFolder = "/TDAQ/RunCtrl/EventCounters"
	DefaultGainStrategyFolder  = "/TRIGGER/Receivers/Conditions/Strategy"
)

// Locator backends.
const (
	LocatorEOS   = "eos"
	LocatorLocal = "local"
	LocatorS3    = "s3"
)

// DefaultLocatorPaths are the raw calibration data locations searched when
// none are configured.
var DefaultLocatorPaths = []string{
	"/eos/atlas/atlastier0/rucio/data15_calib/calibration_L1CaloPmtScan",
	"/eos/atlas/atlastier0/rucio/data15_calib/calibration_L1CaloEnergyScan",
	"/eos/atlas/atlastier0/rucio/data15_calib/calibration_L1CaloPprDacScanPars",
	"/eos/atlas/atlastier0/rucio/data15_calib/calibration_L1CaloPprPedestalRunPars",
	"/eos/atlas/atlastier0/rucio/data15_calib/calibration_L1CaloPprPhos4ScanPars",
}

// Config is the root configuration for caf.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Conditions ConditionsConfig `yaml:"conditions" mapstructure:"conditions"`
	Locator    LocatorConfig    `yaml:"locator" mapstructure:"locator"`
	Listeners  []ListenerConfig `yaml:"listeners" mapstructure:"listeners"`
	Analyses   []AnalysisConfig `yaml:"analyses" mapstructure:"analyses"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	API        *APIConfig       `yaml:"api,omitempty" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// CatalogConfig configures the local run catalog.
type CatalogConfig struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// ConditionsConfig configures access to the conditions store. The gain
// strategy folder may live in a separate database (Trigger); when it is
// not set the TDAQ database is used for every folder.
type ConditionsConfig struct {
	TDAQ        DatabaseConfig  `yaml:"tdaq" mapstructure:"tdaq"`
	Trigger     *DatabaseConfig `yaml:"trigger,omitempty" mapstructure:"trigger"`
	Folders     FoldersConfig   `yaml:"folders" mapstructure:"folders"`
	GainChannel int64           `yaml:"gain_channel" mapstructure:"gain_channel"`
}

// TriggerDatabase returns the database holding the gain strategy folder.
func (c *ConditionsConfig) TriggerDatabase() *DatabaseConfig {
	if c.Trigger != nil && c.Trigger.Driver != "" {
		return c.Trigger
	}

	return &c.TDAQ
}

// FoldersConfig names the conditions folders read by the run selector.
type FoldersConfig struct {
	SOR           string `yaml:"sor" mapstructure:"sor"`
	EOR           string `yaml:"eor" mapstructure:"eor"`
	EventCounters string `yaml:"event_counters" mapstructure:"event_counters"`
	GainStrategy  string `yaml:"gain_strategy" mapstructure:"gain_strategy"`
}

// LocatorConfig configures where raw run files are searched.
type LocatorConfig struct {
	Backend string    `yaml:"backend" mapstructure:"backend"`
	Paths   []string  `yaml:"paths" mapstructure:"paths"`
	EOS     EOSConfig `yaml:"eos,omitempty" mapstructure:"eos"`
	S3      *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// EOSConfig configures the EOS command-line client.
type EOSConfig struct {
	Command string `yaml:"command" mapstructure:"command"`
}

// S3Config contains S3 settings for listing run files.
type S3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// AnalysisConfig describes a calibration analysis that jobs are prepared for.
type AnalysisConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Template string `yaml:"template" mapstructure:"template"`
	PostExec string `yaml:"postexec,omitempty" mapstructure:"postexec"`
	ASetup   string `yaml:"asetup,omitempty" mapstructure:"asetup"`
}

// JobsConfig contains job preparation and submission settings.
type JobsConfig struct {
	TemplateDir string `yaml:"template_dir" mapstructure:"template_dir"`
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
	FilePrefix  string `yaml:"file_prefix" mapstructure:"file_prefix"`
	ASetup      string `yaml:"asetup" mapstructure:"asetup"`
	Backend     string `yaml:"backend" mapstructure:"backend"`
}

// Load reads and merges the configuration files in order, applies
// environment overrides and defaults. Later files win on conflict.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, errors.New("no config files given")
	}

	loadDotEnv()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// loadDotEnv loads .env files from the working directory, if present, so
// their variables take part in environment overrides.
func loadDotEnv() {
	for _, name := range []string{".env.local", ".env"} {
		if _, err := os.Stat(name); err == nil {
			_ = godotenv.Load(name)
		}
	}
}

// setDefaults registers defaults with viper so that every key is known to
// AutomaticEnv, even when absent from the config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("catalog.database.driver", "sqlite")
	v.SetDefault("catalog.database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("catalog.database.postgres.host", "")
	v.SetDefault("catalog.database.postgres.port", 5432)
	v.SetDefault("catalog.database.postgres.user", "")
	v.SetDefault("catalog.database.postgres.password", "")
	v.SetDefault("catalog.database.postgres.database", "")
	v.SetDefault("catalog.database.postgres.ssl_mode", "disable")

	v.SetDefault("conditions.tdaq.driver", "")
	v.SetDefault("conditions.tdaq.sqlite.path", "")
	v.SetDefault("conditions.folders.sor", DefaultSORFolder)
	v.SetDefault("conditions.folders.eor", DefaultEORFolder)
	v.SetDefault("conditions.folders.event_counters", DefaultEventCountersFolder)
	v.SetDefault("conditions.folders.gain_strategy", DefaultGainStrategyFolder)
	v.SetDefault("conditions.gain_channel", 0)

	v.SetDefault("locator.backend", LocatorEOS)
	v.SetDefault("locator.eos.command", DefaultEOSCommand)

	v.SetDefault("jobs.template_dir", DefaultTemplateDir)
	v.SetDefault("jobs.output_dir", DefaultJobsDir)
	v.SetDefault("jobs.file_prefix", DefaultFilePrefix)
	v.SetDefault("jobs.asetup", DefaultASetup)
	v.SetDefault("jobs.backend", DefaultLauncherBackend)
}

// applyDefaults sets default values that viper cannot express, such as
// per-element defaults of lists.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Catalog.Database.Driver == "" {
		c.Catalog.Database.Driver = "sqlite"
	}

	if c.Catalog.Database.Driver == "sqlite" && c.Catalog.Database.SQLite.Path == "" {
		c.Catalog.Database.SQLite.Path = DefaultSQLitePath
	}

	if len(c.Locator.Paths) == 0 && c.Locator.Backend == LocatorEOS {
		c.Locator.Paths = append([]string(nil), DefaultLocatorPaths...)
	}

	for i := range c.Listeners {
		c.Listeners[i].applyDefaults()
	}

	for i := range c.Analyses {
		if c.Analyses[i].ASetup == "" {
			c.Analyses[i].ASetup = c.Jobs.ASetup
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Catalog.Database.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	if c.Conditions.TDAQ.Driver != "" {
		if err := c.Conditions.TDAQ.Validate(); err != nil {
			return fmt.Errorf("conditions.tdaq: %w", err)
		}
	}

	if c.Conditions.Trigger != nil && c.Conditions.Trigger.Driver != "" {
		if err := c.Conditions.Trigger.Validate(); err != nil {
			return fmt.Errorf("conditions.trigger: %w", err)
		}
	}

	if err := c.Locator.Validate(); err != nil {
		return fmt.Errorf("locator: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Listeners))

	for i, l := range c.Listeners {
		if l.Name == "" {
			return fmt.Errorf("listener %d: name is required", i)
		}

		if _, exists := seen[l.Name]; exists {
			return fmt.Errorf("listener %d: duplicate name %q", i, l.Name)
		}

		seen[l.Name] = struct{}{}

		if _, err := l.Constraints(); err != nil {
			return fmt.Errorf("listener %q: %w", l.Name, err)
		}
	}

	seenAnalyses := make(map[string]struct{}, len(c.Analyses))

	for i, a := range c.Analyses {
		if a.Name == "" {
			return fmt.Errorf("analysis %d: name is required", i)
		}

		if _, exists := seenAnalyses[a.Name]; exists {
			return fmt.Errorf("analysis %d: duplicate name %q", i, a.Name)
		}

		seenAnalyses[a.Name] = struct{}{}

		if a.Template == "" {
			return fmt.Errorf("analysis %q: template is required", a.Name)
		}
	}

	if c.API != nil {
		if err := c.API.Validate(); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	return nil
}

// ValidateConditions checks that a conditions database is configured.
func (c *Config) ValidateConditions() error {
	if c.Conditions.TDAQ.Driver == "" {
		return errors.New("conditions.tdaq.driver is required")
	}

	return nil
}

// Validate checks the locator settings.
func (l *LocatorConfig) Validate() error {
	switch l.Backend {
	case LocatorEOS:
		if l.EOS.Command == "" {
			return errors.New("eos.command is required")
		}
	case LocatorLocal:
	case LocatorS3:
		if l.S3 == nil || l.S3.Bucket == "" {
			return errors.New("s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", l.Backend)
	}

	if len(l.Paths) == 0 {
		return errors.New("at least one path is required")
	}

	return nil
}

// GetAnalysis returns the analysis with the given name.
func (c *Config) GetAnalysis(name string) (*AnalysisConfig, bool) {
	for i := range c.Analyses {
		if c.Analyses[i].Name == name {
			return &c.Analyses[i], true
		}
	}

	return nil, false
}

// EnabledListeners returns the listeners that are switched on.
func (c *Config) EnabledListeners() []ListenerConfig {
	out := make([]ListenerConfig, 0, len(c.Listeners))

	for _, l := range c.Listeners {
		if l.IsEnabled() {
			out = append(out, l)
		}
	}

	return out
}
