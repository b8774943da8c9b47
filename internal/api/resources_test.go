package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResource(t *testing.T, root, id, name, content string) {
	t.Helper()
	path := filepath.Join(root, id, "resources", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestResourceCache_GetAndInvalidate(t *testing.T) {
	root := t.TempDir()
	writeResource(t, root, "clock_widget", "icon.svg", "<svg/>")
	cache := NewResourceCache(root)

	v, ok := cache.Get("clock_widget/icon.svg")
	require.True(t, ok)
	res := v.(*Resource)
	assert.Equal(t, "image/svg+xml", res.ContentType)
	assert.Equal(t, "<svg/>", string(res.Data))
	assert.Equal(t, 1, cache.Len())

	// Served from cache until invalidated
	writeResource(t, root, "clock_widget", "icon.svg", "<svg id=\"new\"/>")
	v, _ = cache.Get("clock_widget/icon.svg")
	assert.Equal(t, "<svg/>", string(v.(*Resource).Data))

	cache.Invalidate()
	assert.Equal(t, 0, cache.Len())
	v, _ = cache.Get("clock_widget/icon.svg")
	assert.Equal(t, "<svg id=\"new\"/>", string(v.(*Resource).Data))
}

func TestResourceCache_RejectsEscapes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("x"), 0644))
	writeResource(t, root, "demo", "a.txt", "a")
	cache := NewResourceCache(root)

	for _, key := range []string{
		"demo/../../secret.txt",
		"../secret.txt",
		"demo/",
		"demo",
		"/a.txt",
		"demo/missing.txt",
	} {
		_, ok := cache.Get(key)
		assert.False(t, ok, "key %q should not resolve", key)
	}

	_, ok := cache.Get("demo/a.txt")
	assert.True(t, ok)
}

func TestServer_Resources(t *testing.T) {
	root := t.TempDir()
	writeResource(t, root, "demo", "icons/clock.svg", "<svg/>")

	srv := NewServer(Options{
		Plugins:   newFakePlugins("demo"),
		Resources: NewResourceCache(root),
		Logger:    testLogger(),
	})
	handler := srv.Router()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plugins/demo/resources/icons/clock.svg", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	assert.Equal(t, "<svg/>", w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plugins/demo/resources/none.png", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
