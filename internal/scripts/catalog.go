package scripts

import (
	"cmp"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
)

// Catalog holds the scripts found in a directory and decides who may run
// them.
type Catalog struct {
	dir    string
	admins []string
	logger *slog.Logger

	mu      sync.RWMutex
	scripts map[string]*Script
}

var (
	_ execution.ScriptCatalog = (*Catalog)(nil)
	_ execution.Authorizer    = (*Catalog)(nil)
)

// Open loads every *.yaml and *.yml file in dir. A missing directory yields
// an empty catalog.
func Open(dir string, admins []string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{dir: dir, admins: slices.Clone(admins), logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rereads the directory. On error the previous scripts stay.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("scripts directory does not exist", "dir", c.dir)
		entries = nil
	} else if err != nil {
		return errors.Wrap(err, "read scripts dir")
	}

	loaded := make(map[string]*Script, len(entries))
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		script, err := readScript(path)
		if err != nil {
			return err
		}
		if _, dup := loaded[script.Name()]; dup {
			return errors.Newf("%s: script %q is defined twice", path, script.Name())
		}
		loaded[script.Name()] = script
	}

	c.mu.Lock()
	c.scripts = loaded
	c.mu.Unlock()
	c.logger.Info("scripts loaded", "dir", c.dir, "count", len(loaded))
	return nil
}

func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read script definition")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	script, err := NewScript(def)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return script, nil
}

// Add registers a script, replacing one with the same name.
func (c *Catalog) Add(script *Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scripts == nil {
		c.scripts = make(map[string]*Script)
	}
	c.scripts[script.Name()] = script
}

func (c *Catalog) Find(name string) (execution.ScriptConfig, error) {
	script, ok := c.get(name)
	if !ok {
		return nil, core.NotFoundf("script %q not found", name)
	}
	return script, nil
}

func (c *Catalog) get(name string) (*Script, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	script, ok := c.scripts[name]
	return script, ok
}

// List returns the scripts user may run, by name.
func (c *Catalog) List(user core.User) []*Script {
	c.mu.RLock()
	out := make([]*Script, 0, len(c.scripts))
	for _, script := range c.scripts {
		if c.IsAdmin(user) || script.allows(user) {
			out = append(out, script)
		}
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Script) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

// CanAccess reports whether user may run scriptName. Unknown scripts are
// accessible so the caller learns they do not exist.
func (c *Catalog) CanAccess(user core.User, scriptName string) bool {
	if c.IsAdmin(user) {
		return true
	}
	script, ok := c.get(scriptName)
	return !ok || script.allows(user)
}

func (c *Catalog) IsAdmin(user core.User) bool {
	return slices.Contains(c.admins, user.ID)
}
