package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func applyBackend(cfg *Config, b backend) error {
	if v, ok := b.GetInt("server.port"); ok {
		cfg.Server.Port = v
	}
	if v, ok := b.GetString("upstream.base_url"); ok {
		cfg.Upstream.BaseURL = v
	}
	if v, ok := b.GetString("upstream.probe_path"); ok {
		cfg.Upstream.ProbePath = v
	}
	if v, ok := b.GetString("upstream.network_timeout"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.NetworkTimeout = d
		}
	}
	if v, ok := b.GetString("remote.base_url"); ok {
		cfg.Remote.BaseURL = v
	}
	if v, ok := b.GetString("remote.timeout"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = d
		}
	}
	if v, ok := b.GetString("cache.version"); ok {
		cfg.Cache.Version = v
	}
	if v, ok := b.GetString("cache.app_shell"); ok {
		cfg.Cache.AppShell = v
	}
	if v, ok := b.GetString("cache.offline_page"); ok {
		cfg.Cache.OfflinePage = v
	}
	if v, ok := b.GetString("cache.api_prefix"); ok {
		cfg.Cache.APIPrefix = v
	}
	if v, ok := b.GetStrings("cache.static_manifest"); ok {
		cfg.Cache.StaticManifest = v
	}
	if v, ok := b.GetString("cache.settle_delay"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SettleDelay = d
		}
	}
	if v, ok := b.GetInt("queue.max_retries"); ok {
		cfg.Queue.MaxRetries = v
	}
	if v, ok := b.GetString("monitor.probe_interval"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.ProbeInterval = d
		}
	}
	if v, ok := b.GetString("storage.data_dir"); ok {
		cfg.Storage.DataDir = v
	}
	if v, ok := b.GetString("log.level"); ok {
		cfg.Log.Level = v
	}
	return nil
}

// applyEnvOverrides applies RELICD_* environment variables over backend and
// default values. Environment always wins.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELICD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RELICD_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("RELICD_NETWORK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.NetworkTimeout = d
		}
	}
	if v := os.Getenv("RELICD_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("RELICD_CACHE_VERSION"); v != "" {
		cfg.Cache.Version = v
	}
	if v := os.Getenv("RELICD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("RELICD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
