// ABOUTME: Section/setting configuration store persisted as YAML
// ABOUTME: Materializes feed declarations, transforms, and daemon defaults

package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Section names and settings with daemon-level meaning. Everything
// else is opaque client state served back through CONFIGS.
const (
	defaultsSection   = "defaults"
	transformsSection = "transforms"
	feedPrefix        = "feed "

	settingFetchInterval   = "fetch_interval"
	settingGlobalTransform = "global_transform"
	settingURL             = "url"
	settingExtraTags       = "extra_tags"
)

// DefaultFetchInterval is the number of timer ticks between fetch
// sweeps when the defaults section does not override it.
const DefaultFetchInterval = 60

// FeedDecl is one configured feed: its tag name, source URL, and the
// alias tags its items also join.
type FeedDecl struct {
	Name      string
	URL       string
	ExtraTags []string
}

// TransformDecl is a named transform definition.
type TransformDecl struct {
	Name string
	Spec string
}

// Config holds the parsed configuration file as ordered sections of
// string settings. It is mutated only from the dispatch loop.
type Config struct {
	path   string
	logger *slog.Logger

	order    []string
	sections map[string]map[string]string
}

// New creates a config bound to path. Call Parse to load it.
func New(path string, logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	return &Config{
		path:     path,
		logger:   logger.With("component", "config"),
		sections: make(map[string]map[string]string),
	}
}

// Parse reloads the configuration from disk, replacing in-memory
// state. A missing file yields an empty configuration. Malformed
// sections are logged and skipped, never fatal.
func (c *Config) Parse() error {
	c.order = nil
	c.sections = make(map[string]map[string]string)

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("parsing config: top level is not a mapping")
	}

	// Mapping nodes interleave key and value; walking pairs keeps the
	// file's section order, which LISTFEEDS relies on.
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		body := root.Content[i+1]
		if body.Kind != yaml.MappingNode {
			c.logger.Warn("skipping malformed section", "section", name)
			continue
		}

		settings := make(map[string]string)
		for j := 0; j+1 < len(body.Content); j += 2 {
			settings[body.Content[j].Value] = body.Content[j+1].Value
		}
		c.order = append(c.order, name)
		c.sections[name] = settings
	}
	return nil
}

// Write persists the current sections to disk, preserving section
// order across restarts.
func (c *Config) Write() error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range c.order {
		settings := c.sections[name]
		body := &yaml.Node{Kind: yaml.MappingNode}
		for _, key := range sortedKeys(settings) {
			body.Content = append(body.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key},
				&yaml.Node{Kind: yaml.ScalarNode, Value: settings[key]})
		}
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			body)
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Get returns one setting, or def when the section or setting is
// absent.
func (c *Config) Get(section, setting, def string) string {
	if settings, ok := c.sections[section]; ok {
		if v, ok := settings[setting]; ok {
			return v
		}
	}
	return def
}

// GetSection returns a copy of one section's settings; absent
// sections yield an empty map.
func (c *Config) GetSection(name string) map[string]string {
	out := make(map[string]string, len(c.sections[name]))
	for k, v := range c.sections[name] {
		out[k] = v
	}
	return out
}

// GetSections returns a copy of every section.
func (c *Config) GetSections() map[string]map[string]string {
	out := make(map[string]map[string]string, len(c.sections))
	for name := range c.sections {
		out[name] = c.GetSection(name)
	}
	return out
}

// HasSection reports whether a section exists.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[name]
	return ok
}

// Set stores one setting, creating the section if needed.
func (c *Config) Set(section, setting, value string) {
	settings, ok := c.sections[section]
	if !ok {
		settings = make(map[string]string)
		c.sections[section] = settings
		c.order = append(c.order, section)
	}
	settings[setting] = value
}

// RemoveSection deletes a section entirely. Absent sections are a
// no-op.
func (c *Config) RemoveSection(name string) {
	if _, ok := c.sections[name]; !ok {
		return
	}
	delete(c.sections, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Feeds returns the configured feed declarations in file order. Feed
// sections are named "feed <tagname>"; sections without a url are
// logged and skipped.
func (c *Config) Feeds() []FeedDecl {
	var feeds []FeedDecl
	for _, name := range c.order {
		if !strings.HasPrefix(name, feedPrefix) {
			continue
		}
		tagName := strings.TrimPrefix(name, feedPrefix)
		url := c.sections[name][settingURL]
		if url == "" {
			c.logger.Warn("feed section has no url", "section", name)
			continue
		}
		feeds = append(feeds, FeedDecl{
			Name:      tagName,
			URL:       url,
			ExtraTags: splitList(c.sections[name][settingExtraTags]),
		})
	}
	return feeds
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Transforms returns the named transform definitions, sorted by name.
func (c *Config) Transforms() []TransformDecl {
	settings := c.sections[transformsSection]
	var decls []TransformDecl
	for _, name := range sortedKeys(settings) {
		decls = append(decls, TransformDecl{Name: name, Spec: settings[name]})
	}
	return decls
}

// GlobalTransform compiles the transform applied to every tag's item
// list before it is returned to clients. An unset or unknown name
// degrades to the identity transform.
func (c *Config) GlobalTransform() Transform {
	name := c.Get(defaultsSection, settingGlobalTransform, "")
	if name == "" {
		return Identity
	}
	spec := c.Get(transformsSection, name, "")
	if spec == "" {
		// A raw spec like "reverse" is accepted directly.
		spec = name
	}
	tr, err := ParseTransform(spec)
	if err != nil {
		c.logger.Warn("bad global transform", "name", name, "error", err)
		return Identity
	}
	return tr
}

// FetchInterval returns the number of timer ticks between fetch
// sweeps.
func (c *Config) FetchInterval() int {
	raw := c.Get(defaultsSection, settingFetchInterval, "")
	if raw == "" {
		return DefaultFetchInterval
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n <= 0 {
		c.logger.Warn("bad fetch_interval, using default", "value", raw)
		return DefaultFetchInterval
	}
	return n
}
