// Package config provides configuration loading and management for shipgate.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Ship-Gate/ShipGate-sub013/internal/checks"
	"github.com/Ship-Gate/ShipGate-sub013/internal/heal"
	"github.com/Ship-Gate/ShipGate-sub013/internal/ingest"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHIPGATE_HEALING_MAX_ITERATIONS.
const EnvPrefix = "SHIPGATE"

// DefaultPath is the config location relative to the target root.
var DefaultPath = filepath.Join(".shipgate", "config.yaml")

// Config is the root configuration.
type Config struct {
	Healing   heal.Config            `json:"healing"   mapstructure:"healing"`
	Gate      GateConfig             `json:"gate"      mapstructure:"gate"`
	Checks    map[string]CheckConfig `json:"checks"    mapstructure:"checks"`
	Workspace WorkspaceConfig        `json:"workspace" mapstructure:"workspace"`
	Proof     ProofConfig            `json:"proof"     mapstructure:"proof"`
	Retention RetentionPolicy        `json:"retention" mapstructure:"retention"`
}

// GateConfig describes the external gate. An empty Cmd selects the built-in
// marker gate.
type GateConfig struct {
	Cmd    []string `json:"cmd,omitempty"    mapstructure:"cmd"`
	Format string   `json:"format,omitempty" mapstructure:"format"`
}

// CheckConfig describes one mandatory check.
type CheckConfig struct {
	Kind string   `json:"kind" mapstructure:"kind"`
	Cmd  []string `json:"cmd"  mapstructure:"cmd"`
}

// WorkspaceConfig selects the files loaded into the code map.
type WorkspaceConfig struct {
	Include []string `json:"include,omitempty" mapstructure:"include"`
	Exclude []string `json:"exclude,omitempty" mapstructure:"exclude"`
}

// ProofConfig configures bundle signing.
type ProofConfig struct {
	SigningKey string `json:"signing_key,omitempty" mapstructure:"signing_key"`
}

// RetentionPolicy defines how many old sessions to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// SetDefaults registers defaults on v so env overrides resolve for every key.
func SetDefaults(v *viper.Viper) {
	d := heal.DefaultConfig()
	v.SetDefault("healing.max_iterations", d.MaxIterations)
	v.SetDefault("healing.stuck_threshold", d.StuckThreshold)
	v.SetDefault("healing.timeout", "0s")
	v.SetDefault("gate.cmd", []string{})
	v.SetDefault("gate.format", string(ingest.FormatAuto))
	v.SetDefault("workspace.include", []string{})
	v.SetDefault("workspace.exclude", []string{})
	v.SetDefault("proof.signing_key", "")
	v.SetDefault("retention.keep_last", 50)
	v.SetDefault("retention.keep_days", 30)
}

// Load reads path into v when it exists, validates the raw settings and
// decodes them. A missing file yields the defaults.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config: %w", err)
		}
	}

	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the schema cannot express.
func (c Config) Validate() error {
	if err := c.Healing.Validate(); err != nil {
		return fmt.Errorf("healing: %w", err)
	}
	if _, err := ingest.ParseFormat(c.Gate.Format); err != nil {
		return fmt.Errorf("gate.format: %w", err)
	}
	for _, name := range c.CheckNames() {
		check := c.Checks[name]
		switch checks.Kind(check.Kind) {
		case checks.KindBuild, checks.KindTest:
		default:
			return fmt.Errorf("checks.%s.kind must be build or test, got %q", name, check.Kind)
		}
		if len(check.Cmd) == 0 {
			return fmt.Errorf("checks.%s.cmd must not be empty", name)
		}
	}
	return nil
}

// CheckNames lists the configured checks in order.
func (c Config) CheckNames() []string {
	names := make([]string, 0, len(c.Checks))
	for name := range c.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckRunner builds the command runner for the configured checks.
func (c Config) CheckRunner() checks.Command {
	specs := make(map[string]checks.Spec, len(c.Checks))
	for name, check := range c.Checks {
		specs[name] = checks.Spec{Kind: checks.Kind(check.Kind), Cmd: append([]string(nil), check.Cmd...)}
	}
	return checks.Command{Checks: specs}
}

// GateFormat returns the parsed gate output format.
func (c Config) GateFormat() ingest.Format {
	f, err := ingest.ParseFormat(c.Gate.Format)
	if err != nil {
		return ingest.FormatAuto
	}
	return f
}

// SigningKey loads the ed25519 key from the hex encoded seed file. It
// returns nil when no key is configured. Relative paths resolve against root.
func (c Config) SigningKey(root string) (ed25519.PrivateKey, error) {
	path := c.Proof.SigningKey
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be a %d byte seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// DefaultYAML is the config installed by shipgate init.
const DefaultYAML = `# shipgate configuration
healing:
  max_iterations: 3
  stuck_threshold: 1
  timeout: 10m

# Leave gate.cmd empty to use the built-in marker gate.
gate:
  cmd: []
  format: auto

checks:
  build:
    kind: build
    cmd: ["true"]

workspace:
  include: []
  exclude: []

proof:
  signing_key: ""

retention:
  keep_last: 50
  keep_days: 30
`
