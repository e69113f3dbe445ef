package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey names the files a config pulls in before its own settings.
const includeKey = "$include"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadRaw reads path into a raw map with includes resolved and environment
// references expanded. Included files are applied in order, then the
// including file on top.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{active: map[string]bool{}}
	return l.load(path)
}

// rawLoader tracks the include chain being resolved so cycles are reported
// instead of recursing forever.
type rawLoader struct {
	active map[string]bool
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument(expandEnv(data), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		base, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, base)
	}
	overlay(merged, doc)
	return merged, nil
}

// expandEnv substitutes ${NAME} references. A bare $ is left alone so the
// include key survives.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(envRef.FindSubmatch(ref)[1])))
	})
}

// parseDocument decodes JSON5 for .json and .json5 files and YAML otherwise.
// An empty document is an empty map.
func parseDocument(data []byte, ext string) (map[string]any, error) {
	var doc map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// takeIncludes removes the include key from doc and returns its paths.
func takeIncludes(doc map[string]any) ([]string, error) {
	val, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	var paths []string
	switch v := val.(type) {
	case nil:
	case string:
		paths = []string{v}
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}

	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay deep-merges src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func overlay(dst, src map[string]any) {
	for key, val := range src {
		if srcMap, ok := val.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				overlay(dstMap, srcMap)
				continue
			}
		}
		dst[key] = val
	}
}

// decodeRawConfig round-trips the merged map through YAML so field names are
// checked against Config.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
