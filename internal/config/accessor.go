package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrUnknownPath  = errors.New("unknown config path")
	ErrReadOnlyPath = errors.New("read-only config path")
	ErrMaskedSecret = errors.New("refusing to store a masked secret")
)

// readOnlyPaths are not settable by path. Agents are edited in their YAML
// files or through the agent API.
var readOnlyPaths = []string{"agents"}

// secretKeys are the leaf keys Sanitize masks.
var secretKeys = []string{"apiKey", "token"}

// ReadOnly reports whether path is, or lies under, a read-only path.
func ReadOnly(path string) bool {
	for _, ro := range readOnlyPaths {
		if path == ro || strings.HasPrefix(path, ro+".") {
			return true
		}
	}
	return false
}

// LivePath reports whether a change at path reaches the running scheduler
// without a restart.
func LivePath(path string) bool {
	return strings.HasPrefix(path, "scheduler.")
}

// GetByPath retrieves a config value by dot-notation path (e.g. "scheduler.breathingTimeMs").
func GetByPath(cfg *Config, path string) (any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	parts := strings.Split(path, ".")
	var current any = m
	for _, key := range parts {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index: %s", key)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. Only keys the config
// already knows can be set, except new entries under "providers". cfg is left
// untouched when the path is rejected.
func SetByPath(cfg *Config, path string, value any) error {
	parts := strings.Split(path, ".")
	if slices.Contains(parts, "") {
		return fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	if ReadOnly(path) {
		return fmt.Errorf("%w: %s", ErrReadOnlyPath, path)
	}
	value = parseValue(value)
	if s, ok := value.(string); ok && slices.Contains(secretKeys, parts[len(parts)-1]) && isMasked(s) {
		return fmt.Errorf("%w: %s", ErrMaskedSecret, path)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	parent := m
	for i := 0; i < len(parts)-1; i++ {
		child, ok := parent[parts[i]]
		if !ok || child == nil {
			// omitempty sections come back empty; unknown keys fail the decode below
			newMap := make(map[string]any)
			parent[parts[i]] = newMap
			parent = newMap
			continue
		}
		childMap, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, parts[i])
		}
		parent = childMap
	}
	parent[parts[len(parts)-1]] = value

	newData, err := json.Marshal(m)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(newData))
	dec.DisallowUnknownFields()
	var next Config
	if err := dec.Decode(&next); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = next
	return nil
}

// parseValue tries to convert string values to appropriate Go types.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	return s
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg // Return original on marshal error
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	for name, prov := range copy.Providers {
		if prov.APIKey != "" {
			prov.APIKey = maskString(prov.APIKey)
		}
		copy.Providers[name] = prov
	}
	if copy.Channels.Telegram.Token != "" {
		copy.Channels.Telegram.Token = maskString(copy.Channels.Telegram.Token)
	}
	if copy.Channels.Discord.Token != "" {
		copy.Channels.Discord.Token = maskString(copy.Channels.Discord.Token)
	}
	if copy.Search.APIKey != "" {
		copy.Search.APIKey = maskString(copy.Search.APIKey)
	}

	return &copy
}

// RestoreSecrets copies secrets from live into cfg wherever cfg still holds
// the masked form Sanitize handed out.
func RestoreSecrets(cfg, live *Config) {
	keep := func(dst *string, src string) {
		if src != "" && isMasked(*dst) && *dst == maskString(src) {
			*dst = src
		}
	}
	for name, prov := range cfg.Providers {
		if old, ok := live.Providers[name]; ok {
			keep(&prov.APIKey, old.APIKey)
			cfg.Providers[name] = prov
		}
	}
	keep(&cfg.Channels.Telegram.Token, live.Channels.Telegram.Token)
	keep(&cfg.Channels.Discord.Token, live.Channels.Discord.Token)
	keep(&cfg.Search.APIKey, live.Search.APIKey)
}

func isMasked(s string) bool {
	return s == "***" || strings.Contains(s, "****")
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all settable config paths with their current values.
// Read-only paths are left out.
func ListPaths(cfg *Config) map[string]any {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if ReadOnly(path) {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			flattenMap(path, val, result)
		default:
			result[path] = val
		}
	}
}
