package config

import (
	"encoding/json"
	"os"
	"strings"
)

// Env variable names consumed as the fallback pattern source.
const (
	EnvAllowedPaths = "FSGIT_ALLOWED_PATHS"
	EnvDeniedPaths  = "FSGIT_DENIED_PATHS"
	EnvLogLevel     = "FSGIT_LOG_LEVEL"
	EnvSessionDB    = "FSGIT_SESSION_DB"
	EnvConfig       = "FSGIT_CONFIG"
)

type Config struct {
	SessionDB struct {
		Path string `json:"path"`
	} `json:"session_db"`

	Authorization struct {
		Allow []string `json:"allow"`
		Deny  []string `json:"deny"`
	} `json:"authorization"`

	LogLevel string `json:"log_level"` // debug, info, warn, error
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	config.applyEnv()

	return &config, nil
}

// FromEnv builds a config purely from environment variables, used when
// no config file is given.
func FromEnv() *Config {
	config := &Config{LogLevel: "info"}
	config.applyEnv()
	return config
}

// Resolve loads the config file at path, falling back to the path
// named by FSGIT_CONFIG, falling back to environment variables alone.
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		return FromEnv(), nil
	}
	return Load(path)
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAllowedPaths); v != "" {
		c.Authorization.Allow = SplitPatternList(v)
	}
	if v := os.Getenv(EnvDeniedPaths); v != "" {
		c.Authorization.Deny = SplitPatternList(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvSessionDB); v != "" {
		c.SessionDB.Path = v
	}
}

// SplitPatternList parses a comma-separated pattern list, dropping
// empty entries.
func SplitPatternList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
