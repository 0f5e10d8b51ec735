//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// xdgDir returns the sourcesync directory inside the XDG base directory
// named by env, which defaults to fallback under the home directory.
func xdgDir(env, fallback string) string {
	dir := os.Getenv(env)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "sourcesync-data"
		}
		dir = filepath.Join(home, fallback)
	}
	return filepath.Join(dir, "sourcesync")
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

// readJSONFile decodes path into v. A missing file leaves v untouched.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONFile replaces path with v, readable by the owner only.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// fileBackend keeps settings as one flat JSON object under XDG_CONFIG_HOME.
type fileBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), values: map[string]any{}}
	if err := readJSONFile(b.path, &b.values); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not load config file %s: %v. Using default values.\n", b.path, err)
		b.values = map[string]any{}
	}
	return b
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	switch v := b.values[key].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		// Hand-edited files may hold bools or numbers for string-typed keys.
		return fmt.Sprint(v), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	switch v := b.values[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt || v > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		return int(v), true, nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

func (b *fileBackend) Delete(key string) error {
	delete(b.values, key)
	return writeJSONFile(b.path, b.values)
}

func (b *fileBackend) set(key string, val any) error {
	b.values[key] = val
	return writeJSONFile(b.path, b.values)
}
