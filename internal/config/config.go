// Package config loads the snapvault configuration from a YAML file and
// SNAPVAULT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"snapvault/internal/backup"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// SNAPVAULT_STORAGE_S3_BUCKET for storage.s3.bucket.
	EnvPrefix = "SNAPVAULT"

	// DefaultConfigName is the file name searched for without --config.
	DefaultConfigName = "snapvault"
)

// Loader reads configuration through viper. Precedence from highest to
// lowest: environment, config file, built-in defaults.
type Loader struct {
	viper *viper.Viper
}

// NewLoader creates a loader with its own viper instance.
func NewLoader() *Loader {
	return &Loader{viper: viper.New()}
}

// Viper exposes the underlying instance so commands can bind flags.
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

func (l *Loader) setupViper(configPath string) {
	if configPath != "" {
		l.viper.SetConfigFile(configPath)
	} else {
		l.viper.SetConfigName(DefaultConfigName)
		l.viper.SetConfigType("yaml")
		l.viper.AddConfigPath(".")
		l.viper.AddConfigPath("$HOME/.config/snapvault")
		l.viper.AddConfigPath("/etc/snapvault")
	}

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows, so bind every
	// config key explicitly to let env vars set keys absent from the file.
	for _, key := range configKeys() {
		_ = l.viper.BindEnv(key)
	}
}

// Load reads configPath, or searches the default locations when it is
// empty, then applies defaults and validates. A missing file is an error
// only when configPath was given.
func (l *Loader) Load(configPath string) (*backup.SystemConfig, error) {
	l.setupViper(configPath)

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, backup.NewConfigurationError("error reading config file", err)
		}
	}

	cfg := &backup.SystemConfig{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, backup.NewConfigurationError("failed to decode configuration", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, backup.NewConfigurationError("configuration validation failed", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the file Load read, or "" when none was found.
func (l *Loader) ConfigFileUsed() string {
	return l.viper.ConfigFileUsed()
}

// WriteDefault writes the commented starter configuration to path. An
// existing file is kept unless force is set, in which case it is first
// copied to path+".bak".
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return backup.NewConflictError(fmt.Sprintf("config file %s already exists", path), nil).
				WithContext("hint", "use --force to overwrite")
		}
		if err := createConfigBackup(path, path+".bak"); err != nil {
			return fmt.Errorf("failed to back up existing configuration: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, backup.GenerateDefaultConfigYAML(), 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

func createConfigBackup(configPath, backupPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	return os.WriteFile(backupPath, data, 0600)
}

// ListEnvironmentVariables lists every environment variable Load honors.
func ListEnvironmentVariables() []string {
	keys := configKeys()
	vars := make([]string, 0, len(keys))
	for _, key := range keys {
		vars = append(vars, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}
	return vars
}

// configKeys walks SystemConfig's mapstructure tags and returns the dotted
// key of every leaf setting, sorted.
func configKeys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(backup.SystemConfig{}), "", &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if name == "-" || name == "" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		ft := field.Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		switch ft.Kind() {
		case reflect.Struct:
			collectKeys(ft, key, keys)
		case reflect.Map, reflect.Slice, reflect.Func:
			// Structured values come from the file only.
		default:
			*keys = append(*keys, key)
		}
	}
}
