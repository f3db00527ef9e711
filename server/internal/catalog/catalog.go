package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is matched by every resolution failure.
var ErrNotFound = errors.New("catalog: not found")

// NotFoundError echoes the identifier that could not be resolved.
type NotFoundError struct {
	Requested string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("catalog: no asset matches %q", e.Requested)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Resolution results reported to the Observer.
const (
	ResultExact    = "exact"
	ResultFuzzy    = "fuzzy"
	ResultCached   = "cached"
	ResultNotFound = "not_found"
)

// Observer receives catalog events.
type Observer interface {
	Resolved(result string)
	Scanned(entries int)
}

// Options configures a Catalog.
type Options struct {
	Dir string

	// Extensions lists indexed extensions, lower case with a leading dot.
	Extensions []string

	// Fuzzy enables approximate matching.
	Fuzzy bool

	// CacheTTL bounds how long a resolution is remembered. Zero keeps it
	// until it is found stale.
	CacheTTL time.Duration

	// MinRescan is the minimum age of the index before a lookup miss may
	// trigger another directory scan.
	MinRescan time.Duration

	Observer Observer
}

// Resolution describes a successful lookup.
type Resolution struct {
	Requested string `json:"requested"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Fuzzy     bool   `json:"fuzzy"`
	Cached    bool   `json:"cached"`
}

// Stats is a snapshot of the catalog.
type Stats struct {
	Entries int       `json:"entries"`
	Cached  int       `json:"cached"`
	Scans   int64     `json:"scans"`
	BuiltAt time.Time `json:"built_at"`
}

// index is immutable once published.
type index struct {
	entries map[string]string // normalized key -> real file name
	order   []string          // keys in directory listing order
	builtAt time.Time
}

// Catalog indexes one asset directory.
type Catalog struct {
	opts  Options
	cache *Cache

	idx    atomic.Pointer[index]
	scanMu sync.Mutex
	scans  atomic.Int64

	// injectable for tests
	stat    func(string) (fs.FileInfo, error)
	readDir func(string) ([]fs.DirEntry, error)
	now     func() time.Time
}

// New creates a Catalog. Nothing is read from disk until the first lookup.
func New(opts Options) *Catalog {
	exts := make([]string, 0, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts = append(exts, strings.ToLower(e))
	}
	opts.Extensions = exts
	return &Catalog{
		opts:    opts,
		cache:   NewCache(opts.CacheTTL),
		stat:    os.Stat,
		readDir: os.ReadDir,
		now:     time.Now,
	}
}

// Dir returns the indexed directory.
func (c *Catalog) Dir() string { return c.opts.Dir }

// Cache exposes the resolution cache so its eviction loop can be run.
func (c *Catalog) Cache() *Cache { return c.cache }

// Resolve maps raw to a file in the asset directory.
//
// Lookup order: cached resolution (verified on disk), exact normalized key,
// exact key after a rescan, then the first approximate candidate in index
// order when fuzzy matching is enabled. The returned error matches
// ErrNotFound when nothing qualifies.
func (c *Catalog) Resolve(raw string) (Resolution, error) {
	key := Normalize(raw)
	res := Resolution{Requested: raw, Key: key}
	if name, ext := splitKey(key); name == "" || ext == "" {
		return res, c.notFound(raw)
	}

	force := false
	if e, ok := c.cache.Get(raw); ok {
		p := c.pathOf(e.Name)
		if c.exists(p) {
			res.Name, res.Path, res.Fuzzy, res.Cached = e.Name, p, e.Fuzzy, true
			c.observe(ResultCached)
			return res, nil
		}
		c.cache.Delete(raw)
		slog.Info("catalog: cached asset vanished", "requested", raw, "name", e.Name)
		force = true
	}

	for attempt := 0; attempt < 2; attempt++ {
		name, fuzzy, ok := c.find(key, force)
		if !ok {
			break
		}
		p := c.pathOf(name)
		if !c.exists(p) {
			// Index is older than the directory; rebuild once and retry.
			force = true
			continue
		}
		c.cache.Put(raw, key, name, fuzzy)
		res.Name, res.Path, res.Fuzzy = name, p, fuzzy
		if fuzzy {
			slog.Info("catalog: fuzzy resolution", "requested", raw, "resolved", name)
			c.observe(ResultFuzzy)
		} else {
			c.observe(ResultExact)
		}
		return res, nil
	}
	return res, c.notFound(raw)
}

// find looks key up in the index, rescanning on an exact miss when the
// index is old enough, then falls back to approximate matching.
func (c *Catalog) find(key string, force bool) (name string, fuzzy bool, ok bool) {
	idx := c.load(force)
	if name, ok := idx.entries[key]; ok {
		return name, false, true
	}
	if fresh := c.rebuild(false); fresh != idx {
		idx = fresh
		if name, ok := idx.entries[key]; ok {
			return name, false, true
		}
	}
	if !c.opts.Fuzzy {
		return "", false, false
	}
	if k, ok := fuzzyMatch(idx, key); ok {
		return idx.entries[k], true, true
	}
	return "", false, false
}

// fuzzyMatch returns the first key in index order with the same extension
// whose name contains the required prefix of key's name.
func fuzzyMatch(idx *index, key string) (string, bool) {
	name, ext := splitKey(key)
	prefix := fuzzyPrefix(name)
	if prefix == "" {
		return "", false
	}
	for _, k := range idx.order {
		kn, ke := splitKey(k)
		if ke == ext && strings.Contains(kn, prefix) {
			return k, true
		}
	}
	return "", false
}

// Exact returns the path of the file literally named name, if it exists.
func (c *Catalog) Exact(name string) (string, bool) {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == "/" || strings.HasPrefix(base, ".") {
		return "", false
	}
	p := c.pathOf(base)
	fi, err := c.stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// List returns the indexed file names in index order.
func (c *Catalog) List() []string {
	idx := c.load(false)
	out := make([]string, 0, len(idx.order))
	for _, k := range idx.order {
		out = append(out, idx.entries[k])
	}
	return out
}

// Invalidate drops the index and every cached resolution. The next lookup
// rescans the directory.
func (c *Catalog) Invalidate() {
	c.idx.Store(nil)
	c.cache.Clear()
}

// Warm builds the index now and returns the number of entries.
func (c *Catalog) Warm() int {
	return len(c.rebuild(true).entries)
}

// Stats returns the index size, cache size and scan count.
func (c *Catalog) Stats() Stats {
	s := Stats{Cached: c.cache.Len(), Scans: c.scans.Load()}
	if idx := c.idx.Load(); idx != nil {
		s.Entries = len(idx.entries)
		s.BuiltAt = idx.builtAt
	}
	return s
}

// load returns the current index, building it when absent or empty.
func (c *Catalog) load(force bool) *index {
	if force {
		return c.rebuild(true)
	}
	cur := c.idx.Load()
	if cur != nil && len(cur.entries) > 0 {
		return cur
	}
	return c.rebuild(cur == nil)
}

// rebuild scans the directory unless the index is younger than MinRescan
// and force is false.
func (c *Catalog) rebuild(force bool) *index {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	cur := c.idx.Load()
	if !force && cur != nil && c.now().Sub(cur.builtAt) < c.opts.MinRescan {
		return cur
	}
	idx := c.scan()
	c.idx.Store(idx)
	return idx
}

func (c *Catalog) scan() *index {
	c.scans.Add(1)
	idx := &index{entries: make(map[string]string), builtAt: c.now()}

	dirents, err := c.readDir(c.opts.Dir)
	if err != nil {
		slog.Warn("catalog: scan failed, index is empty", "dir", c.opts.Dir, "err", err)
		c.observeScan(0)
		return idx
	}
	for _, d := range dirents {
		if d.IsDir() || !c.indexed(d.Name()) {
			continue
		}
		key := Normalize(d.Name())
		if key == "" {
			continue
		}
		if prev, dup := idx.entries[key]; dup {
			slog.Debug("catalog: duplicate key", "key", key, "kept", prev, "skipped", d.Name())
			continue
		}
		idx.entries[key] = d.Name()
		idx.order = append(idx.order, key)
	}
	slog.Debug("catalog: index built", "dir", c.opts.Dir, "entries", len(idx.entries))
	c.observeScan(len(idx.entries))
	return idx
}

func (c *Catalog) indexed(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return slices.Contains(c.opts.Extensions, strings.ToLower(filepath.Ext(name)))
}

func (c *Catalog) pathOf(name string) string { return filepath.Join(c.opts.Dir, name) }

func (c *Catalog) exists(p string) bool {
	fi, err := c.stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func (c *Catalog) notFound(raw string) error {
	c.observe(ResultNotFound)
	return &NotFoundError{Requested: raw}
}

func (c *Catalog) observe(result string) {
	if c.opts.Observer != nil {
		c.opts.Observer.Resolved(result)
	}
}

func (c *Catalog) observeScan(n int) {
	if c.opts.Observer != nil {
		c.opts.Observer.Scanned(n)
	}
}
