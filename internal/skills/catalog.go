// Package skills reads skill documents from a directory.
//
// A skill lives at <dir>/<name>/SKILL.md (or <dir>/<name>.md) and may start
// with a YAML frontmatter block holding name and description. Reads are
// cached with a TTL and concurrent reads of one skill share a single disk
// read.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/singleflight"

	"schedgate/internal/schedule"
	logx "schedgate/pkg/logx"
)

const skillFile = "SKILL.md"

type Config struct {
	Dir       string
	CacheSize int
	CacheTTL  time.Duration
}

// Skill is one parsed skill document.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	Body        string `json:"-"`
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Catalog is safe for concurrent use.
type Catalog struct {
	dir   string
	log   logx.Logger
	cache *expirable.LRU[string, Skill]
	group singleflight.Group
}

func New(cfg Config, log logx.Logger) *Catalog {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{
		dir:   cfg.Dir,
		log:   log,
		cache: expirable.NewLRU[string, Skill](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Normalize is the lookup form of a skill name.
func Normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Read returns the markdown body of a skill. A missing skill is a
// CONFIGURATION error.
func (c *Catalog) Read(ctx context.Context, name string) (string, error) {
	s, err := c.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return s.Body, nil
}

func (c *Catalog) Get(ctx context.Context, name string) (Skill, error) {
	key := Normalize(name)
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return Skill{}, schedule.Configuration("Skill not found: %s", name)
	}
	if s, ok := c.cache.Get(key); ok {
		return s, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return Skill{}, err
		}
		s, err := c.load(key)
		if err != nil {
			return Skill{}, err
		}
		c.cache.Add(key, s)
		return s, nil
	})
	if err != nil {
		return Skill{}, err
	}
	return v.(Skill), nil
}

func (c *Catalog) load(key string) (Skill, error) {
	if strings.TrimSpace(c.dir) == "" {
		return Skill{}, schedule.Configuration("Skill not found: %s", key)
	}
	for _, p := range []string{filepath.Join(c.dir, key, skillFile), filepath.Join(c.dir, key+".md")} {
		raw, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Skill{}, fmt.Errorf("read skill %s: %w", key, err)
		}
		return parse(key, p, raw), nil
	}
	return Skill{}, schedule.Configuration("Skill not found: %s", key)
}

// Invalidate drops a cached skill, or all of them when name is empty.
func (c *Catalog) Invalidate(name string) {
	if key := Normalize(name); key != "" {
		c.cache.Remove(key)
		return
	}
	c.cache.Purge()
}

// List scans the directory for skills, sorted by name.
func (c *Catalog) List(ctx context.Context) ([]Skill, error) {
	if strings.TrimSpace(c.dir) == "" {
		return []Skill{}, nil
	}
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Skill{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	out := []Skill{}
	seen := map[string]bool{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if !e.IsDir() {
			if !strings.HasSuffix(name, ".md") {
				continue
			}
			name = strings.TrimSuffix(name, ".md")
		}
		key := Normalize(name)
		if seen[key] {
			continue
		}
		s, err := c.Get(ctx, key)
		if err != nil {
			if schedule.Classify(err) != schedule.CategoryConfiguration {
				c.log.Warn("skill unreadable", logx.String("skill", key), logx.Err(err))
			}
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// parse splits an optional frontmatter block from the body. Bad frontmatter
// is kept as body text.
func parse(key, path string, raw []byte) Skill {
	s := Skill{Name: key, Path: path, Body: string(raw)}
	text := strings.TrimPrefix(string(raw), "\uFEFF")
	if !strings.HasPrefix(text, "---") {
		return s
	}
	parts := strings.SplitN(text, "---", 3)
	if len(parts) < 3 {
		return s
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return s
	}
	s.Description = strings.TrimSpace(fm.Description)
	s.Body = strings.TrimLeft(parts[2], "\r\n")
	return s
}
