package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings, for
// example BEHAVIORFLOW_PUBSUB_SYSTEM=kafka.
const EnvPrefix = "BEHAVIORFLOW_"

// Load reads path as YAML, applies BEHAVIORFLOW_ environment overrides and
// validates the result. A missing file is not an error; pass "" to skip it.
// List values from the environment are comma separated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if listKeys[key] {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return key, out
	}
	return key, value
}

var listKeys = map[string]bool{
	"kafka_brokers":                    true,
	"consume_queues":                   true,
	"incoming_behaviors":               true,
	"outgoing_behaviors":               true,
	"diagnostics_cors_allowed_origins": true,
}
