// Copyright 2024-2026 Aiku AI

package simplebot

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-simplebot/pkg/e2ee"
	"github.com/aiku/mautrix-simplebot/pkg/session"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix is prepended to the environment variable names that override
// config file values, e.g. SIMPLEBOT_PASSWORD.
const EnvPrefix = "SIMPLEBOT_"

// Config holds the bot configuration.
type Config struct {
	Homeserver string `yaml:"homeserver" env:"HOMESERVER"`
	Username   string `yaml:"username" env:"USERNAME"`
	Password   string `yaml:"password" env:"PASSWORD"`
	// SessionFile is where the encrypted session is kept. Empty disables
	// persistence.
	SessionFile       string `yaml:"session_file" env:"SESSION_FILE"`
	DeviceDisplayName string `yaml:"device_display_name" env:"DEVICE_DISPLAY_NAME"`
	ScryptWorkFactor  int    `yaml:"scrypt_work_factor" env:"SCRYPT_WORK_FACTOR"`

	Encryption EncryptionConfig  `yaml:"encryption" envPrefix:"ENCRYPTION_"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// EncryptionConfig enables end-to-end encryption.
type EncryptionConfig struct {
	Enabled           bool   `yaml:"enabled" env:"ENABLED"`
	Database          string `yaml:"database" env:"DATABASE"`
	PickleKey         string `yaml:"pickle_key" env:"PICKLE_KEY"`
	EmojiVerification bool   `yaml:"emoji_verification" env:"EMOJI_VERIFICATION"`
}

// Options converts the config for e2ee.Init.
func (c EncryptionConfig) Options() e2ee.Options {
	return e2ee.Options{
		Database:          c.Database,
		PickleKey:         c.PickleKey,
		EmojiVerification: c.EmojiVerification,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver")
	helper.Copy(up.Str, "username")
	helper.Copy(up.Str, "password")
	helper.Copy(up.Str, "session_file")
	helper.Copy(up.Str, "device_display_name")
	helper.Copy(up.Int, "scrypt_work_factor")
	helper.Copy(up.Bool, "encryption", "enabled")
	helper.Copy(up.Str, "encryption", "database")
	helper.Copy(up.Str, "encryption", "pickle_key")
	helper.Copy(up.Bool, "encryption", "emoji_verification")
	helper.Copy(up.Map, "logging")
}

// LoadConfig reads the config file at path, fills in keys missing from it
// with the defaults from ExampleConfig, applies SIMPLEBOT_* environment
// overrides and validates the result. The file itself is not rewritten.
func LoadConfig(path string) (*Config, error) {
	data, _, err := up.Do(path, false, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("upgrading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a complete YAML config, applies environment
// overrides and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteExampleConfig writes ExampleConfig to path, refusing to overwrite an
// existing file.
func WriteExampleConfig(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating config: %w", err)
	}
	if _, err = f.WriteString(ExampleConfig); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	return f.Close()
}

// Validate checks that the fields needed to log in are present.
func (c *Config) Validate() error {
	var errs []error
	if c.Homeserver == "" {
		errs = append(errs, errors.New("homeserver is required"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if c.ScryptWorkFactor < 0 || c.ScryptWorkFactor > session.MaxWorkFactor {
		errs = append(errs, fmt.Errorf("scrypt_work_factor must be between 1 and %d", session.MaxWorkFactor))
	}
	if c.Encryption.Enabled {
		if c.Encryption.Database == "" {
			errs = append(errs, errors.New("encryption.database is required when encryption is enabled"))
		}
		if c.Encryption.PickleKey == "" {
			errs = append(errs, errors.New("encryption.pickle_key is required when encryption is enabled"))
		}
	} else if c.Encryption.EmojiVerification {
		errs = append(errs, errors.New("encryption.emoji_verification requires encryption.enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Credentials builds the session credentials described by the config.
func (c *Config) Credentials(log zerolog.Logger) (*session.Credentials, error) {
	return session.NewCredentials(c.Homeserver, c.Username, c.Password,
		session.WithSessionFile(c.SessionFile),
		session.WithWorkFactor(c.ScryptWorkFactor),
		session.WithLogger(log),
	)
}
