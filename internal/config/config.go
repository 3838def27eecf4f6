// Package config loads and validates the sftp-watch configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/ini.v1"

	"github.com/koga2020a/sftp-watch/internal/journal"
	"github.com/koga2020a/sftp-watch/internal/remote"
	"github.com/koga2020a/sftp-watch/internal/render"
	"github.com/koga2020a/sftp-watch/internal/watch"
)

var (
	ErrMissingField      = errors.New("missing required config field")
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrInvalidValue      = errors.New("invalid config value")
	ErrInvalidCredential = remote.ErrInvalidCredential
)

// Backends.
const (
	BackendSFTP  = "sftp"
	BackendLocal = "local"
)

// Environment variables that override credentials from the file.
const (
	EnvPassword      = "SFTP_WATCH_PASSWORD"
	EnvKeyBase64     = "SFTP_WATCH_PKEY_BASE64"
	EnvKeyPassphrase = "SFTP_WATCH_PKEY_PASSPHRASE"
)

// ColorRule maps matched text to a palette colour. Exact rules use
// String, regex rules use Pattern.
type ColorRule struct {
	String  string `mapstructure:"string" yaml:"string,omitempty"`
	Pattern string `mapstructure:"pattern" yaml:"pattern,omitempty"`
	Color   string `mapstructure:"color" yaml:"color"`
}

// StringColors holds both rule lists in application order.
type StringColors struct {
	ExactMatches []ColorRule `mapstructure:"exact_matches" yaml:"exact_matches,omitempty"`
	RegexMatches []ColorRule `mapstructure:"regex_matches" yaml:"regex_matches,omitempty"`
}

// Config is the decoded configuration file.
type Config struct {
	Backend string `mapstructure:"backend" yaml:"backend"`

	Host           string `mapstructure:"host" yaml:"host,omitempty"`
	Port           int    `mapstructure:"port" yaml:"port,omitempty"`
	User           string `mapstructure:"user" yaml:"user,omitempty"`
	AuthType       string `mapstructure:"auth_type" yaml:"auth_type,omitempty"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	PkeyBase64     string `mapstructure:"pkey_base64" yaml:"pkey_base64,omitempty"`
	PkeyPassphrase string `mapstructure:"pkey_passphrase" yaml:"pkey_passphrase,omitempty"`
	KnownHosts     string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
	ProxyHost      string `mapstructure:"proxy_host" yaml:"proxy_host,omitempty"`
	ProxyPort      int    `mapstructure:"proxy_port" yaml:"proxy_port,omitempty"`

	Dirs             []string     `mapstructure:"dirs" yaml:"dirs"`
	Interval         int          `mapstructure:"interval" yaml:"interval"`
	Exclude          []string     `mapstructure:"exclude" yaml:"exclude,omitempty"`
	MaxParallelRoots int          `mapstructure:"max_parallel_roots" yaml:"max_parallel_roots"`
	MemoKey          string       `mapstructure:"memo_key" yaml:"memo_key"`
	StringColors     StringColors `mapstructure:"string_colors" yaml:"string_colors,omitempty"`

	OutputDir   string `mapstructure:"output_dir" yaml:"output_dir"`
	ChangeLog   string `mapstructure:"change_log" yaml:"change_log"`
	DailyLogDir string `mapstructure:"daily_log_dir" yaml:"daily_log_dir"`
	StateFile   string `mapstructure:"state_file" yaml:"state_file"`
	DigestLog   string `mapstructure:"digest_log" yaml:"digest_log"`
	MemoLog     string `mapstructure:"memo_log" yaml:"memo_log"`
	HistoryDB   string `mapstructure:"history_db" yaml:"history_db"`

	LogDir   string `mapstructure:"log_dir" yaml:"log_dir,omitempty"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	path string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("backend", BackendSFTP)
	v.SetDefault("port", 22)
	v.SetDefault("interval", 60)
	v.SetDefault("max_parallel_roots", 1)
	v.SetDefault("memo_key", "m")
	v.SetDefault("output_dir", ".")
	v.SetDefault("change_log", "log.csv")
	v.SetDefault("daily_log_dir", "log")
	v.SetDefault("state_file", "log.json")
	v.SetDefault("digest_log", "display_log.txt")
	v.SetDefault("memo_log", "memo_log.txt")
	v.SetDefault("history_db", "history.db")
	v.SetDefault("log_level", "info")

	_ = v.BindEnv("password", EnvPassword)
	_ = v.BindEnv("pkey_base64", EnvKeyBase64)
	_ = v.BindEnv("pkey_passphrase", EnvKeyPassphrase)
	return v
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if def, ok := raw["default"].(map[string]any); ok {
		raw = def
	}

	v := newViper()
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("merge config %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.path = path
	c.normalize()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// readRaw returns the file's top-level settings with lower-cased keys.
func readRaw(path string) (map[string]any, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".toml", ".json":
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v.AllSettings(), nil
	case ".ini":
		return readINI(path)
	default:
		return nil, fmt.Errorf("%w: %q (use .yaml, .toml, .json or .ini)", ErrUnsupportedFormat, ext)
	}
}

// readINI flattens an ini file: keys outside any section sit at the top
// level, every section becomes a nested map.
func readINI(path string) (map[string]any, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	out := make(map[string]any)
	for _, sec := range f.Sections() {
		keys := make(map[string]any)
		for k, val := range sec.KeysHash() {
			keys[strings.ToLower(k)] = val
		}
		if sec.Name() == ini.DefaultSection {
			for k, val := range keys {
				out[k] = val
			}
			continue
		}
		out[strings.ToLower(sec.Name())] = keys
	}
	return out, nil
}

func (c *Config) normalize() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.AuthType = strings.ToLower(strings.TrimSpace(c.AuthType))

	var dirs []string
	for _, d := range c.Dirs {
		for _, part := range strings.Split(d, ",") {
			if part = strings.TrimSpace(part); part != "" {
				dirs = append(dirs, part)
			}
		}
	}
	c.Dirs = dirs

	if c.MaxParallelRoots < 1 {
		c.MaxParallelRoots = 1
	}
	for _, p := range []*string{&c.OutputDir, &c.LogDir, &c.KnownHosts} {
		if expanded, err := homedir.Expand(*p); err == nil {
			*p = expanded
		}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var missing []string
	if len(c.Dirs) == 0 {
		missing = append(missing, "dirs")
	}
	switch c.Backend {
	case BackendSFTP:
		if c.Host == "" {
			missing = append(missing, "host")
		}
		if c.User == "" {
			missing = append(missing, "user")
		}
		if c.AuthType == "" {
			missing = append(missing, "auth_type")
		}
	case BackendLocal:
	default:
		return fmt.Errorf("%w: backend %q (want sftp or local)", ErrInvalidValue, c.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	if c.Backend == BackendSFTP {
		switch c.AuthType {
		case remote.AuthPassword:
		case remote.AuthKey:
			if c.PkeyBase64 == "" {
				return fmt.Errorf("%w: pkey_base64 (auth_type is pkey)", ErrMissingField)
			}
			if _, err := remote.ParseKey(c.PkeyBase64, c.PkeyPassphrase); err != nil {
				return fmt.Errorf("pkey_base64: %w", err)
			}
		default:
			return fmt.Errorf("%w: auth_type %q (want password or pkey)", ErrInvalidValue, c.AuthType)
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("%w: port %d", ErrInvalidValue, c.Port)
		}
	}

	if c.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1 second, got %d", ErrInvalidValue, c.Interval)
	}
	if utf8.RuneCountInString(c.MemoKey) != 1 {
		return fmt.Errorf("%w: memo_key must be a single character, got %q", ErrInvalidValue, c.MemoKey)
	}
	if _, err := c.RuleSet(); err != nil {
		return fmt.Errorf("%w: string_colors: %v", ErrInvalidValue, err)
	}
	if err := watch.NewIgnore(c.Exclude).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// PollInterval returns the interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// MemoTrigger returns the annotator trigger key.
func (c *Config) MemoTrigger() rune {
	r, _ := utf8.DecodeRuneInString(c.MemoKey)
	return r
}

// RuleSet compiles the colour rules.
func (c *Config) RuleSet() (*render.RuleSet, error) {
	exact := make([]render.Rule, 0, len(c.StringColors.ExactMatches))
	for _, r := range c.StringColors.ExactMatches {
		exact = append(exact, render.Rule{Match: r.String, Color: r.Color})
	}
	regex := make([]render.Rule, 0, len(c.StringColors.RegexMatches))
	for _, r := range c.StringColors.RegexMatches {
		regex = append(regex, render.Rule{Match: r.Pattern, Color: r.Color})
	}
	return render.NewRuleSet(exact, regex)
}

// resolve places a relative output path under OutputDir. Empty stays empty.
func (c *Config) resolve(p string) string {
	if p == "" {
		return ""
	}
	p, _ = homedir.Expand(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.OutputDir, p)
}

// JournalPaths returns the resolved output locations.
func (c *Config) JournalPaths() journal.Paths {
	return journal.Paths{
		ChangeLog: c.resolve(c.ChangeLog),
		DailyDir:  c.resolve(c.DailyLogDir),
		StateFile: c.resolve(c.StateFile),
		DigestLog: c.resolve(c.DigestLog),
		MemoLog:   c.resolve(c.MemoLog),
	}
}

// HistoryPath returns the SQLite history location, or "" when disabled.
func (c *Config) HistoryPath() string { return c.resolve(c.HistoryDB) }

// RemoteOptions returns the transport settings.
func (c *Config) RemoteOptions() remote.Options {
	return remote.Options{
		Host:          c.Host,
		Port:          c.Port,
		User:          c.User,
		AuthType:      c.AuthType,
		Password:      c.Password,
		KeyBase64:     c.PkeyBase64,
		KeyPassphrase: c.PkeyPassphrase,
		KnownHosts:    c.KnownHosts,
		ProxyHost:     c.ProxyHost,
		ProxyPort:     c.ProxyPort,
	}
}

const passwordMask = "********"

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() Config {
	r := *c
	if r.Password != "" {
		r.Password = passwordMask
	}
	if r.PkeyBase64 != "" {
		r.PkeyBase64 = maskKey(r.PkeyBase64)
	}
	if r.PkeyPassphrase != "" {
		r.PkeyPassphrase = passwordMask
	}
	return r
}

func maskKey(k string) string {
	return "**********... (" + strconv.Itoa(len(k)) + " chars)"
}

// SummaryItem is one line of the startup summary.
type SummaryItem struct {
	Key   string
	Value string
}

// Summary lists the effective settings for the startup banner, with
// credentials masked.
func (c *Config) Summary() []SummaryItem {
	r := c.Redacted()
	items := []SummaryItem{{"backend", r.Backend}}
	if r.Backend == BackendSFTP {
		items = append(items,
			SummaryItem{"host", r.Host},
			SummaryItem{"port", strconv.Itoa(r.Port)},
			SummaryItem{"user", r.User},
			SummaryItem{"password", orNone(r.Password)},
			SummaryItem{"auth_type", r.AuthType},
			SummaryItem{"proxy_host", orNone(r.ProxyHost)},
			SummaryItem{"proxy_port", orNone(portString(r.ProxyPort))},
		)
	}
	items = append(items,
		SummaryItem{"dirs", strings.Join(r.Dirs, ", ")},
		SummaryItem{"interval", strconv.Itoa(r.Interval) + "s"},
	)
	if r.Backend == BackendSFTP && r.AuthType == remote.AuthKey {
		items = append(items, SummaryItem{"pkey_base64", r.PkeyBase64})
	}
	return items
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func portString(p int) string {
	if p == 0 {
		return ""
	}
	return strconv.Itoa(p)
}
