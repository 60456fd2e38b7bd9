package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"plancal/internal/source"
)

// CalendarConfig names one plan file to translate.
type CalendarConfig struct {
	// Name is the calendar name (X-WR-CALNAME, feed path, upload target).
	Name string `yaml:"name" json:"name"`
	// Source is a file path or an http(s) URL.
	Source string `yaml:"source" json:"source"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the feed server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// CalDAVConfig describes the upload target.
type CalDAVConfig struct {
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	// CalendarPath skips discovery; "{name}" expands to the calendar name.
	CalendarPath string `yaml:"calendar_path,omitempty" json:"calendar_path,omitempty"`
}

// LogConfig controls the application logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	// File, if set, mirrors log output into a rotating file.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone plan times are read in. Empty means the
	// process local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Charset of plan files: "auto", "utf-8" or "latin1".
	Charset string `yaml:"charset" json:"charset"`

	// Transliterate folds non-ASCII text to ASCII before export.
	Transliterate bool `yaml:"transliterate" json:"transliterate"`

	// LookbackWeeks drops events that ended more than this many weeks ago.
	// Zero keeps everything.
	LookbackWeeks int `yaml:"lookback_weeks" json:"lookback_weeks"`

	// Workers bounds how many calendars are converted at once.
	Workers int `yaml:"workers" json:"workers"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// CacheDir holds HTTP caches of remote plan files.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// StatePath is the SQLite upload ledger.
	StatePath string `yaml:"state_path" json:"state_path"`

	// Refresh is the cron schedule (e.g. "*/15 * * * *") of the upload
	// watcher.
	Refresh string `yaml:"refresh" json:"refresh"`

	// Listen is the HTTP listen address of the feed server.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	CalDAV CalDAVConfig `yaml:"caldav" json:"caldav"`

	Log LogConfig `yaml:"log" json:"log"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:      "",
		Charset:       "auto",
		Transliterate: false,
		LookbackWeeks: 4,
		Workers:       4,
		Calendars:     []CalendarConfig{},
		CacheDir:      "./var/plan-cache",
		StatePath:     "./var/plancal.db",
		Refresh:       "*/15 * * * *",
		Listen:        "127.0.0.1:8080",
		BasicAuth:     nil,
		Log:           LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Charset == "" {
		c.Charset = def.Charset
	}
	if c.LookbackWeeks < 0 {
		c.LookbackWeeks = 0
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].Name == "" && c.Calendars[i].Source != "" {
			c.Calendars[i].Name = NameFromSource(c.Calendars[i].Source)
		}
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.StatePath == "" {
		c.StatePath = def.StatePath
	}
	if c.Refresh == "" {
		c.Refresh = def.Refresh
	}
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := source.ParseCharset(c.Charset); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.Source == "" {
			return fmt.Errorf("calendars[%d]: source is empty", i)
		}
		if seen[cal.Name] {
			return fmt.Errorf("calendars[%d]: duplicate name %q", i, cal.Name)
		}
		seen[cal.Name] = true
	}
	return nil
}

// Location resolves Timezone, falling back to the local zone when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Window is the staleness look-back as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.LookbackWeeks) * 7 * 24 * time.Hour
}

// Calendar returns the configured calendar with the given name.
func (c *Config) Calendar(name string) (CalendarConfig, bool) {
	for _, cal := range c.Calendars {
		if cal.Name == name {
			return cal, true
		}
	}
	return CalendarConfig{}, false
}

// envOverrides maps PLANCAL_* variables onto config fields.
var envOverrides = []struct {
	key   string
	apply func(c *Config, v string)
}{
	{"PLANCAL_TIMEZONE", func(c *Config, v string) { c.Timezone = v }},
	{"PLANCAL_STATE_PATH", func(c *Config, v string) { c.StatePath = v }},
	{"PLANCAL_LOG_LEVEL", func(c *Config, v string) { c.Log.Level = v }},
	{"PLANCAL_CALDAV_URL", func(c *Config, v string) { c.CalDAV.URL = v }},
	{"PLANCAL_CALDAV_USERNAME", func(c *Config, v string) { c.CalDAV.Username = v }},
	{"PLANCAL_CALDAV_PASSWORD", func(c *Config, v string) { c.CalDAV.Password = v }},
}

// ApplyEnv overrides fields from PLANCAL_* environment variables. Empty
// variables are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, o := range envOverrides {
		if v := getenv(o.key); v != "" {
			o.apply(c, v)
		}
	}
}

// NameFromSource derives a calendar name from a path or URL: the last
// element without leading dot or extension.
func NameFromSource(src string) string {
	src = strings.TrimRight(src, "/")
	if i := strings.LastIndexAny(src, `/\`); i >= 0 {
		src = src[i+1:]
	}
	src = strings.TrimPrefix(src, ".")
	if ext := filepath.Ext(src); ext != "" && ext != src {
		src = strings.TrimSuffix(src, ext)
	}
	if src == "" {
		return "plan"
	}
	return src
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".plancal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
