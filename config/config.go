// Package config loads the settings of the cache worker server.
//
// Values are taken from defaults, then from an optional YAML file, then from
// CACHE_WORKER_* environment variables. Command line flags are applied last by
// the caller.
package config

import (
	"errors"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for unusable settings.
var ErrInvalid = zerr.New("invalid configuration")

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen" env:"CACHE_WORKER_LISTEN"`
	// Origin to fetch from, e.g. "https://example.com".
	Origin string `yaml:"origin" env:"CACHE_WORKER_ORIGIN"`
	// Host header and TLS server name to use for the origin, if different from its URL.
	OriginHost string `yaml:"originHost" env:"CACHE_WORKER_ORIGIN_HOST"`
	// Path the worker script is registered at.
	ScriptURL string `yaml:"scriptURL" env:"CACHE_WORKER_SCRIPT_URL"`
	// Scope of the registration. The directory of the script if empty.
	Scope string `yaml:"scope" env:"CACHE_WORKER_SCOPE"`
	// Cache name of the published worker version.
	CacheName string `yaml:"cacheName" env:"CACHE_WORKER_CACHE_NAME"`
	// Resources cached on install.
	Manifest []string `yaml:"manifest" env:"CACHE_WORKER_MANIFEST" envSeparator:","`
	// SQLite database file, or "memory".
	DB string `yaml:"db" env:"CACHE_WORKER_DB"`
	// Version shown by the page when it loads.
	PageVersion string `yaml:"pageVersion" env:"CACHE_WORKER_PAGE_VERSION"`
	// Time between announcing an update and activating it.
	SkipWaitingDelay time.Duration `yaml:"skipWaitingDelay" env:"CACHE_WORKER_SKIP_WAITING_DELAY"`
	// File to write logs to in addition to stdout.
	LogFile string `yaml:"logFile" env:"CACHE_WORKER_LOG_FILE"`
	// Log at trace level.
	Trace bool `yaml:"trace" env:"CACHE_WORKER_TRACE"`
}

func Default() Config {
	return Config{
		Listen:           ":8080",
		ScriptURL:        "/service-worker.js",
		CacheName:        "cache-v0.1",
		Manifest:         []string{"/", "style.css", "script.js"},
		DB:               "cache-worker.db",
		PageVersion:      "0.1",
		SkipWaitingDelay: 3 * time.Second,
	}
}

// Load returns the defaults overridden by the file (if any) and the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, zerr.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, zerr.With(zerr.Wrap(err, "parse config file"), "file", filename)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, zerr.Wrap(err, "parse env")
	}
	return config, nil
}

// OriginURL returns the parsed origin.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, invalid("origin", err.Error())
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, invalid("origin", "must be an absolute URL")
	}
	return u, nil
}

func (c Config) Validate() error {
	if c.Origin == "" {
		return invalid("origin", "is required")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.CacheName == "" {
		return invalid("cacheName", "is required")
	}
	if c.SkipWaitingDelay < 0 {
		return invalid("skipWaitingDelay", "must not be negative")
	}
	return nil
}

func invalid(field, reason string) error {
	return zerr.With(zerr.Wrap(errors.Join(ErrInvalid, errors.New(reason)), field), "field", field)
}
