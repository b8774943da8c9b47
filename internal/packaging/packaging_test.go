package packaging

import (
	"archive/zip"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/nova-desk/nova/internal/manifest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func descriptor(id string) string {
	return `{
	"id": "` + id + `",
	"name": "Demo",
	"version": "1.0.0",
	"description": "Demo plugin",
	"author": "Nova",
	"entry": "plugin_main.Plugin"
}`
}

var wasmStub = "\x00asm\x01\x00\x00\x00"

// writeZip builds an archive from name -> content
func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func writePluginDir(t *testing.T, root, dir, id string) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, manifest.FileName), []byte(descriptor(id)), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "plugin_main.wasm"), []byte(wasmStub), 0644); err != nil {
		t.Fatal(err)
	}
}

func importReason(t *testing.T, err error) string {
	t.Helper()
	var ie *ImportError
	if !errors.As(err, &ie) {
		t.Fatalf("Expected *ImportError, got %T (%v)", err, err)
	}
	return ie.Reason
}

func TestImport_Success(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, testLogger())

	zipPath := writeZip(t, map[string]string{
		"demo/plugin.json":        descriptor("demo"),
		"demo/plugin_main.wasm":   wasmStub,
		"demo/resources/icon.svg": "<svg/>",
	})

	id, err := svc.Import(zipPath)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if id != "demo" {
		t.Errorf("Expected id demo, got %s", id)
	}
	if _, err := os.Stat(filepath.Join(root, "demo", "resources", "icon.svg")); err != nil {
		t.Errorf("Expected nested file to be extracted: %v", err)
	}
}

func TestImport_RenamesToDeclaredID(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, testLogger())

	zipPath := writeZip(t, map[string]string{
		"demo-1.2/plugin.json":      descriptor("demo"),
		"demo-1.2/plugin_main.wasm": wasmStub,
	})

	id, err := svc.Import(zipPath)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if id != "demo" {
		t.Errorf("Expected id demo, got %s", id)
	}
	if _, err := os.Stat(filepath.Join(root, "demo", manifest.FileName)); err != nil {
		t.Errorf("Expected renamed directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "demo-1.2")); !os.IsNotExist(err) {
		t.Error("Expected archive directory to be gone after rename")
	}
}

func TestImport_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		reason   string
		sentinel error
	}{
		{
			name:     "no manifest",
			files:    map[string]string{"demo/readme.txt": "hi"},
			reason:   "No plugin.json found in archive",
			sentinel: ErrNoManifest,
		},
		{
			name:     "manifest at root",
			files:    map[string]string{"plugin.json": descriptor("demo")},
			reason:   "plugin.json must be inside a plugin sub-directory",
			sentinel: ErrNotInSubdir,
		},
		{
			name: "entry escaping root",
			files: map[string]string{
				"demo/plugin.json": descriptor("demo"),
				"../evil.txt":      "x",
			},
			reason:   "Archive entry '../evil.txt' escapes the plugins directory",
			sentinel: ErrInvalidArchive,
		},
		{
			name: "second top-level directory",
			files: map[string]string{
				"demo/plugin.json": descriptor("demo"),
				"other/file.txt":   "x",
			},
			reason:   "Archive entry 'other/file.txt' is outside 'demo/'",
			sentinel: ErrInvalidArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			svc := NewService(root, testLogger())

			_, err := svc.Import(writeZip(t, tt.files))
			if reason := importReason(t, err); reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, reason)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Expected error to wrap %v", tt.sentinel)
			}
			entries, _ := os.ReadDir(root)
			if len(entries) != 0 {
				t.Errorf("Expected nothing extracted, found %d entries", len(entries))
			}
		})
	}
}

func TestImport_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.zip")
	if err := os.WriteFile(path, []byte("definitely not a zip"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewService(t.TempDir(), testLogger()).Import(path)
	if reason := importReason(t, err); reason != "File is not a valid ZIP archive" {
		t.Errorf("Unexpected reason: %s", reason)
	}
}

func TestImport_ExistingDirectoryUntouched(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "demo", "demo")
	marker := filepath.Join(root, "demo", "marker")
	if err := os.WriteFile(marker, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	svc := NewService(root, testLogger())

	_, err := svc.Import(writeZip(t, map[string]string{
		"demo/plugin.json":      descriptor("demo"),
		"demo/plugin_main.wasm": wasmStub,
	}))
	reason := importReason(t, err)
	if reason != "A plugin directory named 'demo' already exists. Delete the existing plugin first." {
		t.Errorf("Unexpected reason: %s", reason)
	}
	if !errors.Is(err, ErrAlreadyExists) {
		t.Error("Expected ErrAlreadyExists")
	}
	if data, _ := os.ReadFile(marker); string(data) != "original" {
		t.Error("Expected existing plugin directory to be untouched")
	}
}

func TestImport_DeclaredIDCollision(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "demo", "demo")
	svc := NewService(root, testLogger())

	_, err := svc.Import(writeZip(t, map[string]string{
		"demo_copy/plugin.json":      descriptor("demo"),
		"demo_copy/plugin_main.wasm": wasmStub,
	}))
	if reason := importReason(t, err); reason != "Plugin 'demo' already exists" {
		t.Errorf("Unexpected reason: %s", reason)
	}
	if _, err := os.Stat(filepath.Join(root, "demo_copy")); !os.IsNotExist(err) {
		t.Error("Expected extracted copy to be cleaned up")
	}
	if _, err := os.Stat(filepath.Join(root, "demo", "plugin_main.wasm")); err != nil {
		t.Error("Expected existing plugin to be untouched")
	}
}

func TestImport_InvalidManifestCleansUp(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, testLogger())

	_, err := svc.Import(writeZip(t, map[string]string{
		"demo/plugin.json":      strings.Replace(descriptor("demo"), `"id": "demo"`, `"id": "Bad-ID!"`, 1),
		"demo/plugin_main.wasm": wasmStub,
	}))
	reason := importReason(t, err)
	if !strings.HasPrefix(reason, "Invalid plugin: ") || !strings.Contains(reason, "Field 'id'") {
		t.Errorf("Unexpected reason: %s", reason)
	}
	var invalid *manifest.InvalidError
	if !errors.As(err, &invalid) {
		t.Error("Expected wrapped *manifest.InvalidError")
	}
	if _, err := os.Stat(filepath.Join(root, "demo")); !os.IsNotExist(err) {
		t.Error("Expected extracted directory to be removed")
	}
}

func TestExport(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "demo", "demo")
	if err := os.MkdirAll(filepath.Join(root, "demo", "resources"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "demo", "resources", "icon.svg"), []byte("<svg/>"), 0644); err != nil {
		t.Fatal(err)
	}
	svc := NewService(root, testLogger())
	out := t.TempDir()

	path, err := svc.Export("demo", out)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if path != filepath.Join(out, "demo.zip") {
		t.Errorf("Expected %s, got %s", filepath.Join(out, "demo.zip"), path)
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open export: %v", err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
		if f.Method != zip.Deflate {
			t.Errorf("Expected deflate for %s", f.Name)
		}
	}
	expected := []string{"demo/plugin.json", "demo/plugin_main.wasm", "demo/resources/icon.svg"}
	if strings.Join(names, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected entries %v, got %v", expected, names)
	}

	// The export must be importable into a fresh root
	id, err := NewService(t.TempDir(), testLogger()).Import(path)
	if err != nil || id != "demo" {
		t.Errorf("Expected exported archive to import as demo, got %q, %v", id, err)
	}
}

func TestExport_MissingPlugin(t *testing.T) {
	_, err := NewService(t.TempDir(), testLogger()).Export("ghost", t.TempDir())

	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected *ExportError, got %v", err)
	}
	if !strings.HasPrefix(ee.Reason, "Plugin directory not found: ") {
		t.Errorf("Unexpected reason: %s", ee.Reason)
	}
	if !errors.Is(err, ErrPluginNotFound) {
		t.Error("Expected ErrPluginNotFound")
	}
}

func TestExport_InvalidID(t *testing.T) {
	root := filepath.Join(t.TempDir(), "plugins")
	writePluginDir(t, root, "demo", "demo")
	svc := NewService(root, testLogger())

	for _, id := range []string{"", "..", "a/b", "../plugins"} {
		out := t.TempDir()
		_, err := svc.Export(id, out)
		var ee *ExportError
		if !errors.As(err, &ee) || !errors.Is(err, ErrInvalidID) {
			t.Errorf("Expected ExportError wrapping ErrInvalidID for %q, got %v", id, err)
		}
		entries, _ := os.ReadDir(out)
		if len(entries) != 0 {
			t.Errorf("Expected no archive for %q, got %d entries", id, len(entries))
		}
	}
}

func TestScaffold(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, testLogger())

	dir, err := svc.Scaffold(Template{ID: "my_plugin", Name: "My Plugin", Author: "Ada", Description: "Does things"})
	if err != nil {
		t.Fatalf("Scaffold failed: %v", err)
	}
	if dir != filepath.Join(root, "my_plugin") {
		t.Errorf("Unexpected dir %s", dir)
	}

	for _, f := range []string{manifest.FileName, "plugin_main.go", "README.md", filepath.Join("resources", ".gitkeep")} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("Expected %s to exist: %v", f, err)
		}
	}

	// Only the compiled module is missing
	reasons := manifest.ValidateFile(filepath.Join(dir, manifest.FileName))
	if len(reasons) != 1 || reasons[0] != "Entry file 'plugin_main.wasm' not found in plugin directory" {
		t.Errorf("Unexpected validation reasons: %v", reasons)
	}

	m, err := manifest.Parse(mustRead(t, filepath.Join(dir, manifest.FileName)), dir)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.SpecVersion != manifest.SpecVersion || m.Icon != "extension" || m.Version != "0.1.0" {
		t.Errorf("Unexpected manifest defaults: %+v", m)
	}

	src := string(mustRead(t, filepath.Join(dir, "plugin_main.go")))
	if !strings.Contains(src, "//go:wasmexport Plugin") || !strings.Contains(src, `sdk.SendData("message"`) {
		t.Error("Expected starter source to export Plugin and send data")
	}
	if readme := string(mustRead(t, filepath.Join(dir, "README.md"))); !strings.Contains(readme, "# My Plugin") {
		t.Error("Expected README to carry the plugin name")
	}
}

func TestScaffold_Rejections(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, testLogger())

	if _, err := svc.Scaffold(Template{ID: "Bad-ID!"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}

	if _, err := svc.Scaffold(Template{ID: "demo"}); err != nil {
		t.Fatalf("Scaffold failed: %v", err)
	}
	if _, err := svc.Scaffold(Template{ID: "demo"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
