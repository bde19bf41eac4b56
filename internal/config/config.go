package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CalendarConfig describes a single vdir-backed calendar.
type CalendarConfig struct {
	// Name is the calendar's identifier used in queries and logging.
	Name string `yaml:"name" json:"name"`
	// Path is the vdir directory holding one .ics file per event.
	Path string `yaml:"path" json:"path"`
	// Color is the display color ("#rrggbb"); overrides the vdir's own
	// color meta entry when set.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
	// ReadOnly refuses all mutations on this calendar.
	ReadOnly bool `yaml:"readonly,omitempty" json:"readonly,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// DBPath is the SQLite cache location.
	DBPath string `yaml:"db_path" json:"db_path"`

	// DefaultTimezone is applied to events whose timezone cannot be
	// resolved (e.g. "Europe/Berlin"). Empty means the system zone.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	// LocalTimezone anchors naive query bounds and display times.
	// Empty means the system zone.
	LocalTimezone string `yaml:"local_timezone" json:"local_timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// used by watch mode for periodic re-sync.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// DefaultCalendar receives new events when none is named.
	DefaultCalendar string `yaml:"default_calendar,omitempty" json:"default_calendar,omitempty"`

	// Calendars is the list of configured calendars.
	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath:      defaultDBPath(),
		RefreshCron: "*/15 * * * *",
		Calendars:   []CalendarConfig{},
	}
}

func defaultDBPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "vdircal", "cache.db")
	}
	return "./vdircal-cache.db"
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.DBPath == "" {
		c.DBPath = defaultDBPath()
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist: create parent directory if needed,
//     write a default config with 0600 perms and return it.
//   - If the file exists: unmarshal and normalize.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration to path atomically (temp file + rename)
// with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".vdircal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
