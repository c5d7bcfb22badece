package pumped

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// MissingPolicy decides what a live build does with an upstream key nobody provides
type MissingPolicy string

const (
	// MissingReconstruct reconstructs ghosts for portable mounts and fails on-tree mounts
	MissingReconstruct MissingPolicy = "reconstruct"
	// MissingStub substitutes the service stub and warns
	MissingStub MissingPolicy = "stub"
	// MissingError fails the mount immediately
	MissingError MissingPolicy = "error"
)

// NoGracePeriod as PostUnmountTTL disposes instances as soon as their node unmounts
const NoGracePeriod time.Duration = -1

const (
	DefaultPostUnmountTTL = 2 * time.Second
	DefaultDryRunCacheTTL = 30 * time.Second
	DefaultMaxDryRunNodes = 10000
)

// Config holds the tunables of a scope
type Config struct {
	PostUnmountTTL time.Duration `mapstructure:"post_unmount_ttl"`
	DryRunCacheTTL time.Duration `mapstructure:"dry_run_cache_ttl"`
	MissingPolicy  MissingPolicy `mapstructure:"missing_policy"`
	StrictRender   bool          `mapstructure:"strict_render"`
	LogLevel       string        `mapstructure:"log_level"`
	MaxDryRunNodes int           `mapstructure:"max_dry_run_nodes"`
}

func DefaultConfig() Config {
	return Config{
		PostUnmountTTL: DefaultPostUnmountTTL,
		DryRunCacheTTL: DefaultDryRunCacheTTL,
		MissingPolicy:  MissingReconstruct,
		LogLevel:       "warn",
		MaxDryRunNodes: DefaultMaxDryRunNodes,
	}
}

// Validate rejects values the runtime cannot honor
func (c Config) Validate() error {
	switch c.MissingPolicy {
	case MissingReconstruct, MissingStub, MissingError:
	default:
		return fmt.Errorf("invalid missing_policy %q", c.MissingPolicy)
	}
	if c.PostUnmountTTL < 0 && c.PostUnmountTTL != NoGracePeriod {
		return fmt.Errorf("post_unmount_ttl must not be negative, got %v", c.PostUnmountTTL)
	}
	if c.DryRunCacheTTL < 0 {
		return fmt.Errorf("dry_run_cache_ttl must not be negative, got %v", c.DryRunCacheTTL)
	}
	if c.MaxDryRunNodes <= 0 {
		return fmt.Errorf("max_dry_run_nodes must be positive, got %d", c.MaxDryRunNodes)
	}
	return nil
}

// DecodeConfig overlays raw settings on the defaults. Durations accept strings like
// "500ms"; a post_unmount_ttl of zero decodes to NoGracePeriod.
func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, err
	}

	if err := decoder.Decode(raw); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}

	cfg.MissingPolicy = MissingPolicy(strings.ToLower(string(cfg.MissingPolicy)))
	if cfg.PostUnmountTTL == 0 {
		cfg.PostUnmountTTL = NoGracePeriod
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfig reads a yaml, toml or json file. PUMPED_TREE_* environment variables
// override file values.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PUMPED_TREE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("post_unmount_ttl", defaults.PostUnmountTTL.String())
	v.SetDefault("dry_run_cache_ttl", defaults.DryRunCacheTTL.String())
	v.SetDefault("missing_policy", string(defaults.MissingPolicy))
	v.SetDefault("strict_render", defaults.StrictRender)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("max_dry_run_nodes", defaults.MaxDryRunNodes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return defaults, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	return DecodeConfig(v.AllSettings())
}
