package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed engine configuration: named sections of key/value
// options, with access tracking so sections nothing consumed can be
// reported after startup.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
	accessed map[string]struct{}
}

// New returns an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load parses the configuration file at path. [include glob] sections
// pull in further files, resolved relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	p := &parser{cfg: c, visited: make(map[string]bool)}
	if err := p.file(path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses an in-memory configuration. Include directives only
// make sense for file input and are rejected here.
func LoadString(data string) (*Config, error) {
	c := New()
	p := &parser{cfg: c}
	if err := p.scan(strings.NewReader(data), "", "<string>"); err != nil {
		return nil, err
	}
	return c, nil
}

// parser walks one file, plus its includes, into a Config.
type parser struct {
	cfg *Config
	// visited holds the absolute paths on the current include chain.
	visited map[string]bool
}

func (p *parser) file(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if p.visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	p.visited[abs] = true
	defer delete(p.visited, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	return p.scan(f, filepath.Dir(abs), path)
}

func (p *parser) scan(r io.Reader, dir, src string) error {
	var name string
	var opts map[string]string
	flush := func() {
		if name != "" {
			p.cfg.addSection(name, opts)
			name, opts = "", nil
		}
	}

	sc := bufio.NewScanner(r)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line, ok := cleanLine(sc.Text())
		if !ok {
			continue
		}

		if header, isHeader := cutHeader(line); isHeader {
			flush()
			if header == "" {
				return fmt.Errorf("config: %s:%d: empty section header", src, lineNum)
			}
			if spec, isInclude := strings.CutPrefix(header, "include "); isInclude {
				if err := p.include(strings.TrimSpace(spec), dir, src, lineNum); err != nil {
					return err
				}
				continue
			}
			name = header
			opts = make(map[string]string)
			continue
		}

		// Options before the first section header have no home.
		if name == "" {
			continue
		}
		if key, value, ok := cutOption(line); ok {
			opts[key] = value
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", src, err)
	}
	return nil
}

func (p *parser) include(spec, dir, src string, lineNum int) error {
	if spec == "" {
		return fmt.Errorf("config: %s:%d: empty include", src, lineNum)
	}
	if dir == "" {
		return fmt.Errorf("config: %s:%d: includes not supported here", src, lineNum)
	}
	pattern := filepath.Join(dir, spec)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
	}
	// A literal include must exist; a glob matching nothing is fine.
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return fmt.Errorf("config: include file does not exist: %s", pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := p.file(m); err != nil {
			return err
		}
	}
	return nil
}

// cleanLine strips comments and surrounding whitespace. Lines starting
// with "#*#" are autosaved values and parse as regular config with the
// marker removed.
func cleanLine(raw string) (string, bool) {
	line := strings.TrimSpace(raw)
	if autosaved, ok := strings.CutPrefix(line, "#*#"); ok {
		line = strings.TrimSpace(autosaved)
	} else if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	return line, line != ""
}

func cutHeader(line string) (string, bool) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return "", false
	}
	return strings.TrimSpace(line[1 : len(line)-1]), true
}

func cutOption(line string) (string, string, bool) {
	key, value, found := strings.Cut(line, ":")
	if !found {
		key, value, found = strings.Cut(line, "=")
	}
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// addSection stores a section, merging options into an existing section
// of the same name. Later files and autosave blocks override.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section, marking it accessed.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessed[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns the named section, or nil when absent.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection reports whether a section exists, without marking access.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetPrefixSections returns the sections whose names start with prefix,
// in file order.
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			result = append(result, c.sections[name])
		}
	}
	return result
}

// GetAccessedSections returns the sorted names of accessed sections.
func (c *Config) GetAccessedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, 0, len(c.accessed))
	for name := range c.accessed {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// GetUnusedSections returns the sorted names of sections never
// accessed, for reporting configuration typos after startup.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// Merge overlays another Config onto this one: matching options are
// overridden, new sections appended.
func (c *Config) Merge(other *Config) {
	other.mu.RLock()
	defer other.mu.RUnlock()

	for _, name := range other.order {
		src := other.sections[name]
		opts := make(map[string]string, len(src.options))
		for k, v := range src.options {
			opts[k] = v
		}
		c.addSection(name, opts)
	}
}
