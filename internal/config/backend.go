package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// ConfigBackend abstracts persistent config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Unset(key string) error
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docminer-data"
		}
	}
	return filepath.Join(dir, "docminer")
}

// ConfigFilePath returns $XDG_CONFIG_HOME/docminer/config.json.
func ConfigFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "docminer", "config.json")
}

// fileBackend keeps config.json as a flat object keyed by dotted names,
// e.g. {"scheduler.batch_window_hours": 12}. Numbers are held as
// json.Number both after loading and after SetInt, so reads see one
// representation regardless of where a value came from.
type fileBackend struct {
	path   string
	values map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]any)}
	if err := b.load(); err != nil {
		slog.Warn("ignoring unreadable config file, using defaults", "path", path, "error", err)
	}
	return b
}

func (b *fileBackend) load() error {
	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	values := make(map[string]any)
	if err := dec.Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	b.values = values
	return nil
}

// save writes the file through a temp file and rename so a crash never
// leaves a truncated config behind.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	switch v := b.values[key].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		// Lets a hand-edited "cache.enabled": true read as "true".
		return fmt.Sprint(v), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	var raw string
	switch v := b.values[key].(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return 0, true, fmt.Errorf("%s: expected a number, got %T", key, v)
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.values[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.values[key] = json.Number(strconv.Itoa(val))
	return b.save()
}

// Unset removes key so the default (or an env override) applies again.
func (b *fileBackend) Unset(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.save()
}
