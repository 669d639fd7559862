package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Bundle is a deterministically merged YAML document, layered
// base -> env -> tenant with later tiers winning key-for-key. Capability
// policy bundles and QScore calibration tables are authored as YAML in
// production.
type Bundle struct {
	Name   string
	Merged map[string]any
}

// LoaderOptions names the tiered file paths a bundle merges:
//
//	<root>/<name>.yaml
//	<root>/env/<env>/<name>.yaml
//	<root>/tenants/<tenant>/<name>.yaml
type LoaderOptions struct {
	Root   string
	Name   string
	Env    string
	Tenant string
}

// LoadBundle loads and deterministically merges every tier present on disk.
// A missing tier is skipped, not an error; a malformed YAML file is.
func LoadBundle(opts LoaderOptions) (*Bundle, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("config: bundle name is required")
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("config: bundle root is required")
	}

	tiers := []string{filepath.Join(root, name+".yaml")}
	if opts.Env != "" {
		tiers = append(tiers, filepath.Join(root, "env", opts.Env, name+".yaml"))
	}
	if opts.Tenant != "" {
		tiers = append(tiers, filepath.Join(root, "tenants", opts.Tenant, name+".yaml"))
	}

	merged := map[string]any{}
	for _, path := range tiers {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		merged = deepMerge(merged, doc)
	}

	return &Bundle{Name: name, Merged: merged}, nil
}

// Decode unmarshals the merged document into out via a YAML round-trip, so
// the usual decoder rules (tag matching, type coercion) apply to the merged
// map as they would to a single file.
func (b *Bundle) Decode(out any) error {
	raw, err := yaml.Marshal(b.Merged)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sv := src[k]
		if dv, ok := out[k]; ok {
			dm, dok := dv.(map[string]any)
			sm, sok := sv.(map[string]any)
			if dok && sok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}
