package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/qreport/internal/classify"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Reports    []Report       `yaml:"reports" validate:"dive"`
	Classifier classify.Rules `yaml:"classifier"`
	Freshness  Freshness      `yaml:"freshness"`
	Output     Output         `yaml:"output"`
	Server     Server         `yaml:"server"`
	Logging    Logging        `yaml:"logging"`
}

// Report is one compiled report: the uploads it needs and the tables it
// rolls up.
type Report struct {
	Name            string      `yaml:"name" validate:"required"`
	ToleranceDays   int         `yaml:"tolerance_days" validate:"min=0"`
	RequiredAliases []string    `yaml:"required_aliases" validate:"dive,required"`
	Tables          []TableSpec `yaml:"tables" validate:"dive"`
}

// TableSpec describes one roll-up table of a report. Rows and Columns name
// the pivot dimensions (category, unit or month); Measure is count or amount.
type TableSpec struct {
	Name         string `yaml:"name" validate:"required"`
	Title        string `yaml:"title"`
	Alias        string `yaml:"alias" validate:"required"`
	Rows         string `yaml:"rows" validate:"omitempty,oneof=category unit month"`
	Columns      string `yaml:"columns" validate:"omitempty,oneof=category unit month"`
	Measure      string `yaml:"measure" validate:"omitempty,oneof=count amount"`
	EnforceStart bool   `yaml:"enforce_start"`
}

type Freshness struct {
	// StaleOnBoundary marks an upload made exactly tolerance_days before
	// the cutoff as stale. Defaults to true.
	StaleOnBoundary *bool `yaml:"stale_on_boundary"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// ConfigDir returns the XDG config directory for qreport.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "qreport")
}

// DataDir returns the XDG data directory for qreport.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "qreport")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/qreport/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'qreport init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv reads .env files from the working directory and the config
// directory. Variables already set in the environment win.
func LoadEnv() {
	for _, p := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Load reads, parses and validates a config YAML file. Environment
// overrides (QREPORT_DATA_DIR, QREPORT_PORT, LOG_LEVEL, LOG_FORMAT) are
// applied on top of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info", Format: "console"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if len(cfg.Classifier.Tokens) == 0 {
		cfg.Classifier = classify.Default
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("QREPORT_DATA_DIR"); v != "" {
		c.Output.DataDir = v
	}
	if v := os.Getenv("QREPORT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("QREPORT_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, name uniqueness and the classifier
// rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	reports := make(map[string]bool, len(c.Reports))
	for _, r := range c.Reports {
		if reports[r.Name] {
			return fmt.Errorf("invalid config: duplicate report %q", r.Name)
		}
		reports[r.Name] = true

		tables := make(map[string]bool, len(r.Tables))
		for _, t := range r.Tables {
			if tables[t.Name] {
				return fmt.Errorf("invalid config: report %q: duplicate table %q", r.Name, t.Name)
			}
			tables[t.Name] = true
		}
	}

	if _, err := classify.New(c.Classifier); err != nil {
		return fmt.Errorf("invalid config: classifier: %w", err)
	}
	return nil
}

// ErrUnknownReport is returned by Report for names missing from the config.
var ErrUnknownReport = errors.New("unknown report")

// Report returns the report configured under name.
func (c *Config) Report(name string) (*Report, error) {
	for i := range c.Reports {
		if c.Reports[i].Name == name {
			return &c.Reports[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownReport, name)
}

// DefaultReport returns the first configured report, or nil.
func (c *Config) DefaultReport() *Report {
	if len(c.Reports) == 0 {
		return nil
	}
	return &c.Reports[0]
}

// Classify builds the configured category classifier.
func (c *Config) Classify() (*classify.Classifier, error) {
	return classify.New(c.Classifier)
}

// StaleOnBoundary reports the staleness boundary policy.
func (c *Config) StaleOnBoundary() bool {
	if c.Freshness.StaleOnBoundary == nil {
		return true
	}
	return *c.Freshness.StaleOnBoundary
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath is the SQLite file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "qreport.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
