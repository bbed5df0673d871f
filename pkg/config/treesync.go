package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/match"
)

const (
	// DefaultConfigPath is the default path to the treesync config.
	DefaultConfigPath = "~/.treesync.yaml"

	// ConfigPathEnv overrides DefaultConfigPath.
	ConfigPathEnv = "TREESYNC_CONFIG"

	// InitialConfigVersion is the first version of the treesync config.
	// Config files that do not specify a version will default to this
	// version.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the supported version of the treesync config
	// of the current binary.
	SupportedConfigVersion = "v1alpha1"
)

// Config contains the settings shared by the treesync commands.
type Config struct {
	Version string `json:"version,omitempty"`

	// StoreDir is where published snapshots are kept.
	StoreDir string `json:"storeDir,omitempty"`

	// ClientsDir contains the canonical client trees, laid out as
	// <profile>/<version>/<category>.
	ClientsDir string `json:"clientsDir,omitempty"`

	// Listen is the address the server listens on.
	Listen string `json:"listen,omitempty"`

	// SyncRoot confines the local installations that the server's sync
	// route may hash. Sync requests are refused when it's empty.
	SyncRoot string `json:"syncRoot,omitempty"`

	// Workers limits the number of files hashed in parallel. Zero picks a
	// default based on the number of CPUs.
	Workers int `json:"workers,omitempty"`

	// CacheSize is the number of snapshots the server keeps in memory.
	CacheSize int `json:"cacheSize,omitempty"`

	// Categories holds the filters used when hashing each category of a
	// client tree.
	Categories map[string]Category `json:"categories,omitempty"`
}

// Category contains the filters for one category of files. The patterns are
// regular expressions matched against paths relative to the category root.
type Category struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Filters returns the filters for `category`. Unknown categories aren't
// filtered.
func (c Config) Filters(category string) Category {
	return c.Categories[category]
}

// CategoryNames returns the configured category names, sorted.
func (c Config) CategoryNames() []string {
	var names []string
	for name := range c.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the config used when no config file exists.
func Default() Config {
	return Config{
		Version:    SupportedConfigVersion,
		StoreDir:   "~/.treesync/store",
		ClientsDir: "~/.treesync/clients",
		Listen:     "localhost:8080",
		CacheSize:  32,
	}
}

// homedirExpand and getenv will be overridden in mock tests.
var (
	homedirExpand = homedir.Expand
	getenv        = os.Getenv
)

// Parse parses the config stored at the default path. If the file doesn't
// exist, the defaults are returned.
func Parse() (Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	config, err := ParsePath(path)
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return expandPaths(Default(), path)
		}
		return Config{}, err
	}
	return config, nil
}

// ParsePath parses the config file at `path`. Missing fields are set to
// their defaults.
func ParsePath(path string) (Config, error) {
	config, err := readConfig(path)
	if err != nil {
		return Config{}, errors.WithContext(err, "parse")
	}

	if err := validate(path, config); err != nil {
		return Config{}, err
	}
	return expandPaths(config, path)
}

// parseErrTemplate is shown when the config isn't valid YAML, or doesn't
// have the expected fields. The YAML library's errors don't say where in the
// file the problem is, so the known fields are listed instead.
const parseErrTemplate = "Failed to parse the treesync config at %q.\n" +
	"The top level fields are %s.\n" +
	"Each entry under `categories` may only have `include` and `exclude` lists.\n\n" +
	"The parser reported:\n" +
	"%s"

var knownFields = []string{
	"version", "storeDir", "clientsDir", "listen", "syncRoot", "workers", "cacheSize",
	"categories",
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The config %q was written for a different version of treesync.\n"+
		"This binary reads version %q, but the file is version %q.", err.path, err.exp, err.actual)
}

// readConfig decodes the file at `path` on top of the defaults. The version
// is checked before the strict decode, so that a config from another release
// is reported as such rather than as a list of unknown fields.
func readConfig(path string) (Config, error) {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.FileNotFound{Path: path}
		}
		return Config{}, errors.WithContext(err, "read file")
	}

	var header struct {
		Version string `json:"version"`
	}
	if err := yaml.Unmarshal(contents, &header); err != nil {
		return Config{}, newParseError(path, err)
	}
	if header.Version == "" {
		header.Version = InitialConfigVersion
	}
	if header.Version != SupportedConfigVersion {
		return Config{}, incompatibleVersionError{path, SupportedConfigVersion, header.Version}
	}

	config := Default()
	if err := yaml.UnmarshalStrict(contents, &config, yaml.DisallowUnknownFields); err != nil {
		return Config{}, newParseError(path, err)
	}
	config.Version = header.Version
	return config, nil
}

func newParseError(path string, err error) error {
	return errors.NewFriendlyError(parseErrTemplate, path, strings.Join(knownFields, ", "), err)
}

// validate checks the fields that YAML decoding can't. Category patterns are
// compiled here so that a typo in the config is reported up front, rather
// than silently matching nothing on every walk.
func validate(path string, config Config) error {
	if config.Workers < 0 {
		return errors.NewFriendlyError(
			"The workers field in %q must not be negative.", path)
	}
	if config.CacheSize < 0 {
		return errors.NewFriendlyError(
			"The cacheSize field in %q must not be negative.", path)
	}

	for _, name := range config.CategoryNames() {
		category := config.Categories[name]
		for _, filter := range []struct {
			field    string
			patterns []string
		}{
			{"include", category.Include},
			{"exclude", category.Exclude},
		} {
			if err := match.Check(filter.patterns); err != nil {
				return errors.NewFriendlyError(
					"The %s patterns of the %q category in %q aren't valid regular expressions:\n%s",
					filter.field, name, path, err)
			}
		}
	}
	return nil
}

// expandPaths expands home directories, and evaluates relative paths
// relative to the config path.
func expandPaths(config Config, configPath string) (Config, error) {
	for _, dir := range []*string{&config.StoreDir, &config.ClientsDir, &config.SyncRoot} {
		expanded, err := homedirExpand(*dir)
		if err != nil {
			return Config{}, errors.WithContext(err, "expand path")
		}

		if expanded != "" && !filepath.IsAbs(expanded) {
			expanded = filepath.Join(filepath.Dir(configPath), expanded)
		}
		*dir = expanded
	}
	return config, nil
}

// Write writes the given config to the default path.
func Write(cfg Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}
	return WritePath(path, cfg)
}

// WritePath writes the given config to `path`.
func WritePath(path string, cfg Config) error {
	cfg.Version = SupportedConfigVersion
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetConfigPath returns the path to the treesync config. This path is
// expanded, so it can be directly passed to file operations.
func GetConfigPath() (string, error) {
	if path := getenv(ConfigPathEnv); path != "" {
		return homedirExpand(path)
	}
	return homedirExpand(DefaultConfigPath)
}
