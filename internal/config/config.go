package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/javanhut/ivaldi-revstore/internal/compress"
	"github.com/javanhut/ivaldi-revstore/internal/node"
)

// RepoConfigFile is the repository config, relative to the .ivaldi directory.
const RepoConfigFile = "config.yaml"

// Config represents repository configuration
type Config struct {
	User    UserConfig    `mapstructure:"user"`
	Format  FormatConfig  `mapstructure:"format"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// UserConfig holds user identity information
type UserConfig struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

// FormatConfig fixes the repository format at creation time
type FormatConfig struct {
	NodeHash          string `mapstructure:"nodehash"`
	TreeManifest      bool   `mapstructure:"treemanifest"`
	ManifestCacheSize int    `mapstructure:"manifestcachesize"`
	DirManCacheSize   int    `mapstructure:"dirmancachesize"`
}

// StorageConfig selects the revision store
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Compression string `mapstructure:"compression"`
	MaxChainLen int    `mapstructure:"maxchainlen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var defaults = map[string]any{
	"user.name":                "",
	"user.email":               "",
	"format.nodehash":          "sha1",
	"format.treemanifest":      false,
	"format.manifestcachesize": 4,
	"format.dirmancachesize":   16,
	"storage.backend":          "bolt",
	"storage.compression":      "zstd",
	"storage.maxchainlen":      1000,
	"log.level":                "info",
}

func newViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	if fs != nil {
		v.SetFs(fs)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("ivaldi")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns a config with the default values
func Default() *Config {
	cfg, err := decode(newViper(nil))
	if err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config file at path from fs. The format follows the file
// extension. A missing file yields the defaults; IVALDI_* environment
// variables override both.
func Load(fs afero.Fs, path string) (*Config, error) {
	v := newViper(fs)
	if path != "" {
		exists, err := afero.Exists(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
		if exists {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path on fs in the format of its extension.
func Save(fs afero.Fs, path string, cfg *Config) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	v := viper.New()
	v.SetFs(fs)
	for k, val := range cfg.values() {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

func (c *Config) values() map[string]any {
	return map[string]any{
		"user.name":                c.User.Name,
		"user.email":               c.User.Email,
		"format.nodehash":          c.Format.NodeHash,
		"format.treemanifest":      c.Format.TreeManifest,
		"format.manifestcachesize": c.Format.ManifestCacheSize,
		"format.dirmancachesize":   c.Format.DirManCacheSize,
		"storage.backend":          c.Storage.Backend,
		"storage.compression":      c.Storage.Compression,
		"storage.maxchainlen":      c.Storage.MaxChainLen,
		"log.level":                c.Log.Level,
	}
}

// Keys lists the known configuration keys.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of key formatted as text.
func (c *Config) Get(key string) (string, error) {
	v, ok := c.values()[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return fmt.Sprint(v), nil
}

// Set parses value into key. format.* keys are fixed once a repository
// exists and are refused.
func (c *Config) Set(key, value string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if strings.HasPrefix(key, "format.") {
		return fmt.Errorf("%s is fixed when the repository is created", key)
	}
	v := viper.New()
	for k, val := range c.values() {
		v.Set(k, val)
	}
	v.Set(key, value)
	cfg, err := decode(v)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	*c = *cfg
	return nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	if _, err := node.ByName(c.Format.NodeHash); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "bolt", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if _, err := compress.ParseType(c.Storage.Compression); err != nil {
		return err
	}
	if c.Format.ManifestCacheSize < 0 || c.Format.DirManCacheSize < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	return nil
}

// Author returns the formatted author string "Name <email>"
func (c *Config) Author() (string, error) {
	if c.User.Name == "" || c.User.Email == "" {
		return "", fmt.Errorf("user.name and user.email not configured")
	}
	return fmt.Sprintf("%s <%s>", c.User.Name, c.User.Email), nil
}
