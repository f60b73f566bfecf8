package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix shared by every configuration variable.
const EnvPrefix = "DUALRUN_"

// Load reads a snapshot from the environment. Files listed in dotenv are
// loaded first without overriding variables that are already set; missing
// files are ignored. Keys map as DUALRUN_SAMPLING_PERCENT -> sampling_percent
// and lists are comma separated.
func Load(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return LoadFromEnv(EnvPrefix)
}

// LoadFromEnv reads variables with the given prefix into a defaulted snapshot.
func LoadFromEnv(prefix string) (*Config, error) {
	k := koanf.New(".")
	err := k.Load(env.ProviderWithValue(prefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, prefix))
		if _, ok := listKeys[key]; ok {
			return key, splitList(value)
		}
		return key, value
	}), nil)
	if err != nil {
		return nil, err
	}

	conf := &Config{}
	if err := k.Unmarshal("", conf); err != nil {
		return nil, err
	}
	conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

var listKeys = map[string]struct{}{
	"allow_list":                 {},
	"canary_values":              {},
	"kafka_brokers":              {},
	"sensitive_headers":          {},
	"admin_cors_allowed_origins": {},
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
