// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

const nestedMoveEnv = "TIGSYNC_ALLOW_NESTED_PROJECT_MOVE"

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	Workspace struct {
		// Path of the database holding project to repository mappings
		Path string `json:"path"`
	} `json:"workspace"`

	Hooks struct {
		// Lets a project move into its own subtree. The file manager's
		// recursive copy/delete loses data in that case, so keep it off.
		AllowNestedProjectMove bool `json:"allow_nested_project_move"`
	} `json:"hooks"`

	Safe struct {
		CacheSize       int `json:"cache_size"`
		CompressMinSize int `json:"compress_min_size"`
	} `json:"safe"`

	Environment string `json:"environment"` // dev, prod
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
	LogFile     string `json:"log_file"`    // rotated with lumberjack when set
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 7420
	cfg.Workspace.Path = defaultWorkspacePath()
	cfg.Safe.CacheSize = 1000
	cfg.Safe.CompressMinSize = 1024
	cfg.Environment = "development"
	cfg.LogLevel = "info"
	return &cfg
}

func defaultWorkspacePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".tigsync"
	}
	return dir + string(os.PathSeparator) + "tigsync"
}

// Path returns the config file for the environment named by TIGSYNC_ENV.
func Path() string {
	env := os.Getenv("TIGSYNC_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		defer file.Close()
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	if v := os.Getenv(nestedMoveEnv); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", nestedMoveEnv, err)
		}
		config.Hooks.AllowNestedProjectMove = allow
	}

	return config, nil
}
