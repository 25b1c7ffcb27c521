package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix starts every environment variable the config reads.
const EnvPrefix = "COMPUTERCORE_"

// envAliases are short names for common settings. Any other setting is
// reached by its path in upper case with dots as underscores:
// COMPUTERCORE_HTTP_MAX_REQUESTS sets http.max_requests.
var envAliases = map[string]string{
	"COMPUTERCORE_SAVE":       "save_dir",
	"COMPUTERCORE_ROM":        "rom_dir",
	"COMPUTERCORE_THREADS":    "computer_threads",
	"COMPUTERCORE_WEBSOCKETS": "http.websocket_enabled",
}

// ApplyEnv overrides settings from environ, a list of KEY=value pairs as
// returned by os.Environ. Variables naming no setting are ignored.
//
// Values are parsed according to the setting they replace; http.rules
// takes a JSON array of {"host", "action"} objects.
func (cfg *Config) ApplyEnv(environ []string) error {
	doc, err := cfg.toMap()
	if err != nil {
		return err
	}
	paths := make(map[string]string)
	for _, p := range settingPaths(doc, "") {
		paths[envName(p)] = p
	}

	// Sorted so that an alias and a full name for one setting resolve the
	// same way every run.
	environ = slices.Sorted(slices.Values(environ))
	changed := false
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		path, ok := envAliases[name]
		if !ok {
			path, ok = paths[name]
		}
		if !ok {
			continue
		}
		v, err := parseEnvValue(getByPath(doc, path), value)
		if err != nil {
			return &ParseError{Path: name, Err: err}
		}
		setByPath(doc, path, v)
		changed = true
	}
	if !changed {
		return nil
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("apply environment: %v", err)
	}
	next := Default()
	if err := toml.Unmarshal(data, next); err != nil {
		return &ParseError{Path: "environment", Err: err}
	}
	*cfg = *next
	return nil
}

func (cfg *Config) toMap() (map[string]any, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %v", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode config: %v", err)
	}
	return doc, nil
}

// settingPaths lists the dotted path of every leaf setting in doc.
func settingPaths(doc map[string]any, prefix string) []string {
	var paths []string
	for k, v := range doc {
		p := prefix + k
		if sub, ok := v.(map[string]any); ok {
			paths = append(paths, settingPaths(sub, p+".")...)
			continue
		}
		paths = append(paths, p)
	}
	return paths
}

func envName(path string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

// parseEnvValue parses s as the same kind of value as current.
func parseEnvValue(current any, s string) (any, error) {
	switch current.(type) {
	case bool:
		switch strings.ToLower(s) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0", "":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", s)
	case int64:
		return strconv.ParseInt(strings.ReplaceAll(s, "_", ""), 10, 64)
	case []any:
		var v []any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return s, nil
	}
}

func getByPath(doc map[string]any, path string) any {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := doc[part].(map[string]any)
		if !ok {
			return nil
		}
		doc = next
	}
	return doc[parts[len(parts)-1]]
}

func setByPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := doc[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			doc[part] = next
		}
		doc = next
	}
	doc[parts[len(parts)-1]] = value
}
