package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// this is a pointer so that if someone attempts to use it before loading it will
// panic and force them to load it first.
// it is also private so that it cannot be modified after loading.
var _loaded *Config

// Config is the main configuration structure
type Config struct {
	Common Common `yaml:"common"`
}

// Load loads the configuration following proper precedence: defaults → config file → environment variables
func Load() {
	cfg := defaultConfig
	_loaded = &cfg

	configFile := os.Getenv("NEARME_CONFIG_FILE")
	if configFile == "" {
		configFile = "nearme.yaml"
	}

	if err := LoadFromFile(configFile); err != nil {
		log.Printf("Failed to load config file: %v, using defaults", err)
	} else {
		log.Printf("Successfully loaded config from file: %s", configFile)
	}

	ApplyEnvOverrides()
}

func LoadDefault() {
	config := defaultConfig
	_loaded = &config
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes merges YAML over the defaults
func LoadFromBytes(data []byte) error {
	cfg := defaultConfig

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	_loaded = &cfg
	return nil
}

// set sane defaults for all of the config options. when loading the config from
// the file, any options that are not set will be set to these defaults.
var defaultConfig = Config{
	Common: Common{
		Log: logConfig{
			Level:  "info",
			Format: "json",
		},
		Http: httpConfig{
			Host:           "0.0.0.0",
			Port:           3000,
			MaxRequestSize: 2 << 20,
			WriteRate:      2,
			WriteBurst:     10,
		},
		Postgres: postgresConfig{
			User:               "postgres",
			Password:           "postgres",
			Host:               "localhost",
			Port:               5432,
			Database:           "nearme",
			ReadTimeout:        30,
			WriteTimeout:       30,
			MaxOpenConnections: 10,
		},
		Broadcast: broadcastConfig{
			SendBuffer:  256,
			WriteWaitMs: 10000,
			PongWaitMs:  60000,
		},
	},
}

type Common struct {
	Log       logConfig       `yaml:"log"`
	Http      httpConfig      `yaml:"http"`
	Postgres  postgresConfig  `yaml:"postgres"`
	Broadcast broadcastConfig `yaml:"broadcast"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type httpConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxRequestSize int64    `yaml:"max_request_size"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty allows every origin
	// proxies (IPs or CIDRs) whose X-Forwarded-For is believed. empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`
	// per client IP limit on lock-in and done, in requests per second. 0 disables.
	WriteRate  float64 `yaml:"write_rate"`
	WriteBurst int     `yaml:"write_burst"`
}

type postgresConfig struct {
	// URL, when set, is used verbatim and the discrete fields are ignored
	URL                string `yaml:"url"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Database           string `yaml:"database"`
	ReadTimeout        int    `yaml:"read_timeout"`
	WriteTimeout       int    `yaml:"write_timeout"`
	MaxOpenConnections int    `yaml:"max_open_connections"`
}

func (c postgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		url.QueryEscape(c.Database),
	)
}

type broadcastConfig struct {
	SendBuffer  int `yaml:"send_buffer"`
	WriteWaitMs int `yaml:"write_wait_ms"`
	PongWaitMs  int `yaml:"pong_wait_ms"`
}

// there should be a getter for each top level field in the config struct.
// these getters will panic if the config has not been loaded.

func Logger() logConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Log
}

func Http() httpConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Http
}

func Postgres() postgresConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Postgres
}

func Broadcast() broadcastConfig {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded.Common.Broadcast
}

func Get() *Config {
	if _loaded == nil {
		panic("config not loaded - call Load() first")
	}
	return _loaded
}

// ApplyEnvOverrides applies environment variables over the loaded config.
// DATABASE_URL, PORT and ORIGIN are honored for compatibility with common
// hosting platforms.
func ApplyEnvOverrides() {
	if _loaded == nil {
		return
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		_loaded.Common.Postgres.URL = dbURL
	}
	if dbHost := os.Getenv("NEARME_DB_HOST"); dbHost != "" {
		_loaded.Common.Postgres.Host = dbHost
	}
	if dbPort := os.Getenv("NEARME_DB_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			_loaded.Common.Postgres.Port = port
		}
	}
	if dbUser := os.Getenv("NEARME_DB_USER"); dbUser != "" {
		_loaded.Common.Postgres.User = dbUser
	}
	if dbPassword := os.Getenv("NEARME_DB_PASSWORD"); dbPassword != "" {
		_loaded.Common.Postgres.Password = dbPassword
	}
	if dbName := os.Getenv("NEARME_DB_NAME"); dbName != "" {
		_loaded.Common.Postgres.Database = dbName
	}

	if httpHost := os.Getenv("NEARME_HTTP_HOST"); httpHost != "" {
		_loaded.Common.Http.Host = httpHost
	}
	for _, key := range []string{"PORT", "NEARME_HTTP_PORT"} {
		if httpPort := os.Getenv(key); httpPort != "" {
			if port, err := strconv.Atoi(httpPort); err == nil {
				_loaded.Common.Http.Port = port
			}
		}
	}
	if writeRate := os.Getenv("NEARME_HTTP_WRITE_RATE"); writeRate != "" {
		if r, err := strconv.ParseFloat(writeRate, 64); err == nil {
			_loaded.Common.Http.WriteRate = r
		}
	}
	if origin := os.Getenv("ORIGIN"); origin != "" {
		_loaded.Common.Http.AllowedOrigins = splitList(origin)
	}
	if proxies := os.Getenv("NEARME_HTTP_TRUSTED_PROXIES"); proxies != "" {
		_loaded.Common.Http.TrustedProxies = splitList(proxies)
	}

	if level := os.Getenv("NEARME_LOG_LEVEL"); level != "" {
		_loaded.Common.Log.Level = level
	}
}

// splitList splits a comma separated value, trimming entries and dropping empty ones
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
