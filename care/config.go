package care

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIDomain is where reports go unless APIDomain is set.
	DefaultAPIDomain = "https://fume.care"

	// EnvPrefix is the prefix for environment variables read by LoadConfig.
	EnvPrefix = "CARE_"
)

// Config holds the options recognized by the reporter.  The koanf
// keys double as the YAML keys and (upper-cased, prefixed with
// CARE_) the environment variable names.
type Config struct {
	APIKey          string   `koanf:"api_key" yaml:"api_key" validate:"required,notblank"`
	APIDomain       string   `koanf:"api_domain" yaml:"api_domain"`
	Verbose         bool     `koanf:"verbose" yaml:"verbose"`
	Environment     string   `koanf:"env" yaml:"env"`
	AuthUtils       bool     `koanf:"auth_utils" yaml:"auth_utils"`
	AuthUtilsFields []string `koanf:"auth_utils_fields" yaml:"auth_utils_fields"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// DefaultConfig returns the static defaults.  It has no API key, so
// it is not valid on its own.
func DefaultConfig() Config {
	return Config{
		APIDomain:       DefaultAPIDomain,
		Environment:     "production",
		AuthUtilsFields: []string{"id", "email", "name", "avatar"},
	}
}

// toMap flattens the non-zero fields of c into a koanf-keyed map.
// Zero fields are left out so they never clear a lower layer.
func (c Config) toMap() map[string]any {
	m := map[string]any{}
	if c.APIKey != "" {
		m["api_key"] = c.APIKey
	}
	if c.APIDomain != "" {
		m["api_domain"] = c.APIDomain
	}
	if c.Verbose {
		m["verbose"] = true
	}
	if c.Environment != "" {
		m["env"] = c.Environment
	}
	if c.AuthUtils {
		m["auth_utils"] = true
	}
	if len(c.AuthUtilsFields) > 0 {
		m["auth_utils_fields"] = append([]string(nil), c.AuthUtilsFields...)
	}
	return m
}

// Resolve merges overrides on top of defaults.  Empty strings, false
// and empty slices in overrides leave the default in place.  Neither
// argument is modified.
func Resolve(defaults, overrides Config) Config {
	k := koanf.New(".")
	// confmap never fails to load.
	_ = k.Load(confmap.Provider(defaults.toMap(), "."), nil)
	_ = k.Load(confmap.Provider(overrides.toMap(), "."), nil)

	out := Config{}
	if err := decode(k, &out); err != nil {
		// Every value came from a typed Config, so decoding
		// can't fail in practice.
		return defaults
	}
	return out
}

// decode unmarshals k into out, splitting comma-separated strings
// (as found in environment variables) into slices.
func decode(k *koanf.Koanf, out *Config) error {
	return k.UnmarshalWithConf("", out, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.StringToTimeDurationHookFunc()),
			Result:           out,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	})
}

// Valid reports whether c carries enough to send a report, which
// currently just means a non-blank API key.
func (c Config) Valid() bool {
	return validate.Struct(c) == nil
}

// IsValid is Valid as a function.
func IsValid(c Config) bool {
	return c.Valid()
}

// Endpoint returns the issue URL for c.
func (c Config) Endpoint() string {
	return strings.TrimRight(c.APIDomain, "/") + "/api/issue"
}

// LoadConfig builds a Config from the defaults, an optional YAML file
// at path, and CARE_* environment variables, in that order of
// precedence (lowest first).  A missing API key is not an error;
// reporting just stays disabled.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(DefaultConfig().toMap(), "."), nil)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("unable to read config file %q: %w", path, err)
		}
		fileCfg := map[string]any{}
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("unable to parse config file %q: %w", path, err)
		}
		if err := k.Load(confmap.Provider(fileCfg, "."), nil); err != nil {
			return Config{}, fmt.Errorf("unable to load config file %q: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("unable to load %s* environment: %w", EnvPrefix, err)
	}

	cfg := Config{}
	if err := decode(k, &cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}
