package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Remote   RemoteConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Monitor  MonitorConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

// UpstreamConfig describes the origin the gateway fronts.
type UpstreamConfig struct {
	BaseURL string
	// ProbePath is requested by the connectivity monitor to decide
	// online/offline.
	ProbePath string
	// NetworkTimeout bounds every upstream fetch issued by a strategy.
	NetworkTimeout time.Duration
}

// RemoteConfig describes the AI operation service the queue processor
// replays against.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

type CacheConfig struct {
	// Version is the global tag qualifying every partition name. Bump it
	// when the static manifest changes; activation then replaces the old
	// partitions wholesale.
	Version string
	// AppShell and OfflinePage are root-relative paths served as
	// navigation fallbacks when the upstream is unreachable.
	AppShell    string
	OfflinePage string
	// APIPrefix marks request paths routed through the network-first
	// strategy.
	APIPrefix string
	// StaticManifest lists root-relative paths pre-cached at install time.
	StaticManifest []string
	// SettleDelay is how long activation waits after a successful install
	// before pruning old partitions, unless immediate activation is
	// requested.
	SettleDelay time.Duration
}

type QueueConfig struct {
	// MaxRetries is the retry ceiling: an operation failing this many
	// times is dropped and reported, never retried again.
	MaxRetries int
}

type MonitorConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// OfflineNoticeWindow is how long the "back online" notice is held
	// after a reconnect. Display only; never gates processing.
	OfflineNoticeWindow time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://localhost:3000",
			ProbePath:      "/",
			NetworkTimeout: 30 * time.Second,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:3000/api/ai",
			Timeout: 120 * time.Second,
		},
		Cache: CacheConfig{
			Version:     "v1",
			AppShell:    "/index.html",
			OfflinePage: "/offline.html",
			APIPrefix:   "/api/",
			StaticManifest: []string{
				"/",
				"/index.html",
				"/offline.html",
				"/manifest.json",
			},
			SettleDelay: 10 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
		},
		Monitor: MonitorConfig{
			ProbeInterval:       15 * time.Second,
			ProbeTimeout:        3 * time.Second,
			OfflineNoticeWindow: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/relicd/config.json, then applies RELICD_* environment
// overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := url.Parse(c.Upstream.BaseURL); err != nil || !strings.HasPrefix(c.Upstream.BaseURL, "http") {
		return fmt.Errorf("invalid upstream base URL %q", c.Upstream.BaseURL)
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache version must not be empty")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue max retries must be >= 1, got %d", c.Queue.MaxRetries)
	}
	if !strings.HasSuffix(c.Cache.APIPrefix, "/") {
		return fmt.Errorf("api prefix %q must end with /", c.Cache.APIPrefix)
	}
	return nil
}
