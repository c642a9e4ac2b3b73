package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// LoadError reports why a profile document could not be loaded. Err may
// hold several faults; Faults splits them.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load profile %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Faults returns each individual fault.
func (e *LoadError) Faults() []error {
	return multierr.Errors(e.Err)
}

// Load loads a profile by name. Built-in templates are checked first,
// then name is treated as a file path, then ~/.rmacd/profiles/<name>.{yaml,yml,json}.
func Load(name string) (*Profile, error) {
	if data, ok := builtinProfiles[name]; ok {
		return LoadBytes(data, "builtin:"+name)
	}
	if _, err := os.Stat(name); err == nil {
		return LoadFile(name)
	}
	if dir := userProfileDir(); dir != "" {
		for _, ext := range []string{".yaml", ".yml", ".json"} {
			path := filepath.Join(dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				return LoadFile(path)
			}
		}
	}
	return nil, &LoadError{Source: name, Err: fmt.Errorf("profile %q not found", name)}
}

// LoadFile reads a JSON or YAML profile document from disk.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	return LoadBytes(data, path)
}

// LoadBytes parses, schema-validates and converts a profile document.
// JSON and YAML are both accepted.
func LoadBytes(data []byte, source string) (*Profile, error) {
	raw, err := decodeDocument(data)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}

	m, err := DetectModel(raw)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	obj := raw.(map[string]any)
	if _, ok := obj["model"]; !ok {
		obj["model"] = string(m)
	}

	if err := ValidateSchema(obj); err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	var doc Document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, &LoadError{Source: source, Err: fmt.Errorf("decode profile: %w", err)}
	}

	p, err := FromDocument(&doc)
	if err != nil {
		return nil, &LoadError{Source: source, Err: err}
	}
	return p, nil
}

// decodeDocument returns the generic JSON value of a JSON or YAML document.
func decodeDocument(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty profile document")
	}
	if trimmed[0] == '{' {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
		return v, nil
	}
	var v any
	if err := yaml.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return jsonCompatible(v)
}

// jsonCompatible rewrites YAML-decoded values so that every map has string
// keys and every number is float64, matching what encoding/json produces.
func jsonCompatible(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			c, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	default:
		return v, nil
	}
}

// List returns sorted names of all available profiles (built-in + user).
func List() []string {
	seen := make(map[string]bool)
	for name := range builtinProfiles {
		seen[name] = true
	}

	if dir := userProfileDir(); dir != "" {
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				name := e.Name()
				switch ext := filepath.Ext(name); ext {
				case ".yaml", ".yml", ".json":
					seen[strings.TrimSuffix(name, ext)] = true
				}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func userProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rmacd", "profiles")
}
