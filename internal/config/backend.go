package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// backend supplies raw configuration values by flat key
// (e.g. "upstream.base_url"). Missing keys fall through to defaults.
type backend interface {
	GetString(key string) (string, bool)
	GetInt(key string) (int, bool)
	GetStrings(key string) ([]string, bool)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "relicd-data"
		}
	}
	return filepath.Join(dir, "relicd")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "relicd", "config.json")
}

// fileBackend stores config as a flat JSON object.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend() backend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
}

func (b *fileBackend) GetString(key string) (string, bool) {
	v, ok := b.data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (b *fileBackend) GetInt(key string) (int, bool) {
	v, ok := b.data[key]
	if !ok {
		return 0, false
	}
	// JSON numbers decode as float64.
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (b *fileBackend) GetStrings(key string) ([]string, bool) {
	v, ok := b.data[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
