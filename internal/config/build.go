package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Source contributes values to the config tree.
type Source func(tree map[string]any) error

// Build applies sources in order on top of the defaults, decodes the
// result into a Config and validates it.
func Build(sources ...Source) (Config, error) {
	tree := defaults()
	for _, src := range sources {
		if err := src(tree); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(tree); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// File merges a YAML document into the tree.
func File(path string) Source {
	return func(tree map[string]any) error {
		//nolint:gosec // G304: config path comes from the command line
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}

		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}

		merge(tree, doc)
		return nil
	}
}

// Set assigns a single dotted key.
func Set(key string, value any) Source {
	return func(tree map[string]any) error {
		return setPath(tree, key, value)
	}
}

// Overrides applies KEY=VALUE pairs. Values are parsed as YAML scalars or
// flow sequences, so "BODY.CHANNELS=[3, 16, 32]" sets a list.
func Overrides(pairs ...string) Source {
	return func(tree map[string]any) error {
		for _, pair := range pairs {
			key, raw, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return fmt.Errorf("invalid override %q: expected KEY=VALUE", pair)
			}

			var value any
			if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
				return fmt.Errorf("invalid override %q: %w", pair, err)
			}
			if err := setPath(tree, strings.TrimSpace(key), value); err != nil {
				return err
			}
		}
		return nil
	}
}

func setPath(tree map[string]any, key string, value any) error {
	parts := strings.Split(strings.ToUpper(key), ".")
	node := tree
	for i, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok {
			child := make(map[string]any)
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s is not a section", strings.Join(parts[:i+1], "."))
		}
		node = child
	}
	node[parts[len(parts)-1]] = normalize(value)
	return nil
}

// merge deep-merges src into dst, upper-casing keys.
func merge(dst, src map[string]any) {
	for k, v := range src {
		key := strings.ToUpper(k)
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			merge(dstMap, srcMap)
			continue
		}
		dst[key] = normalize(v)
	}
}

func normalize(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	merge(out, m)
	return out
}
