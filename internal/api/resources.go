package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// maxResourceSize bounds what the cache holds per file
const maxResourceSize = 2 << 20

// Resource is a cached plugin resource file
type Resource struct {
	Name        string
	ContentType string
	Data        []byte
}

// ResourceCache serves files from plugin resources directories. Keys are
// "<plugin_id>/<file>". The plugin manager invalidates it after the set of
// installed plugins changes.
type ResourceCache struct {
	pluginsDir string

	mu      sync.RWMutex
	entries map[string]*Resource
}

// NewResourceCache creates a cache rooted at pluginsDir
func NewResourceCache(pluginsDir string) *ResourceCache {
	return &ResourceCache{
		pluginsDir: pluginsDir,
		entries:    make(map[string]*Resource),
	}
}

// Get returns the resource for key, reading it from disk on first use
func (c *ResourceCache) Get(key string) (interface{}, bool) {
	res, ok := c.resource(key)
	if !ok {
		return nil, false
	}
	return res, true
}

func (c *ResourceCache) resource(key string) (*Resource, bool) {
	c.mu.RLock()
	res, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return res, true
	}

	file, ok := c.resolve(key)
	if !ok {
		return nil, false
	}
	info, err := os.Stat(file)
	if err != nil || info.IsDir() || info.Size() > maxResourceSize {
		return nil, false
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, false
	}

	res = &Resource{
		Name:        path.Base(key),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}
	if strings.HasSuffix(key, ".svg") {
		res.ContentType = "image/svg+xml"
	}

	c.mu.Lock()
	c.entries[key] = res
	c.mu.Unlock()
	return res, true
}

// resolve maps a key to a file inside the plugin's resources directory
func (c *ResourceCache) resolve(key string) (string, bool) {
	id, name, ok := strings.Cut(key, "/")
	if !ok || id == "" || name == "" {
		return "", false
	}
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return "", false
	}
	return filepath.Join(c.pluginsDir, id, "resources", filepath.FromSlash(clean)), true
}

// Invalidate drops every cached entry
func (c *ResourceCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]*Resource)
	c.mu.Unlock()
}

// Len returns the number of cached entries
func (c *ResourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (s *Server) pluginResource(w http.ResponseWriter, r *http.Request) {
	if s.resources == nil {
		fail(w, http.StatusNotFound, CodeNotFound, "Resources are not available")
		return
	}
	key := chi.URLParam(r, "id") + "/" + chi.URLParam(r, "*")
	res, ok := s.resources.resource(key)
	if !ok {
		fail(w, http.StatusNotFound, CodeNotFound, "Resource not found: "+key)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(res.Data)
}
