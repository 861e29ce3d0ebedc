package config

import (
	"fmt"
	"os"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv is true when the value comes from EnvVar rather than the file.
	FromEnv bool
}

// ShowAll returns every non-secret key with its effective value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprintf("%v", s.extract(cfg)),
			FromEnv: os.Getenv(s.env) != "",
		})
	}
	return result
}

// SetKey validates value and writes it to the config file. A value that
// would make the file's configuration invalid, such as a zero batch window,
// is rejected without touching the file.
func SetKey(key, value string) error {
	return setKeyIn(newFileBackend(ConfigFilePath()), key, value)
}

func setKeyIn(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := parseValue(s, value)
	if err != nil {
		return err
	}

	// Environment overrides are deliberately left out so the check covers
	// what the file will contain.
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return err
	}
	s.apply(&cfg, v)
	if err := cfg.validate(); err != nil {
		return err
	}

	switch s.typ {
	case kInt:
		return b.SetInt(key, v.(int))
	case kBool:
		return b.SetString(key, strconv.FormatBool(v.(bool)))
	default:
		return b.SetString(key, v.(string))
	}
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyIn(newFileBackend(ConfigFilePath()), key)
}

func unsetKeyIn(b ConfigBackend, key string) error {
	if _, ok := lookupSpec(key); !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	return b.Unset(key)
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw to the Go type the key's apply func expects.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %w", s.key, err)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
