package packaging

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/nova-desk/nova/internal/manifest"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

const (
	defaultIcon  = "extension"
	defaultEntry = "plugin_main.Plugin"
)

// Template holds the values for a new plugin
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Author      string `json:"author"`
	Description string `json:"description"`
}

func (t *Template) defaults() {
	t.ID = strings.TrimSpace(t.ID)
	if strings.TrimSpace(t.Name) == "" {
		t.Name = t.ID
	}
	if strings.TrimSpace(t.Author) == "" {
		t.Author = "Unknown"
	}
	if strings.TrimSpace(t.Description) == "" {
		t.Description = "A Nova plugin"
	}
}

// scaffoldManifest fixes key order and keeps empty optional keys
type scaffoldManifest struct {
	SpecVersion    string   `json:"spec_version"`
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Description    string   `json:"description"`
	Author         string   `json:"author"`
	Icon           string   `json:"icon"`
	Entry          string   `json:"entry"`
	ThreadIsolated bool     `json:"thread_isolated"`
	MinNovaVersion string   `json:"min_nova_version"`
	Permissions    []string `json:"permissions"`
	Keywords       []string `json:"keywords"`
	Homepage       string   `json:"homepage"`
}

// Scaffold creates {pluginsDir}/{id} with a manifest, a starter entry
// source, a README and an empty resources directory
func (s *Service) Scaffold(t Template) (string, error) {
	t.defaults()
	if err := manifest.CheckID(t.ID); err != nil {
		return "", err
	}

	dir := filepath.Join(s.pluginsDir, t.ID)
	if _, err := os.Lstat(dir); err == nil {
		return "", fmt.Errorf("%w: '%s'", ErrAlreadyExists, t.ID)
	}

	if err := s.writeScaffold(dir, t); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to scaffold plugin: %w", err)
	}

	s.logger.Info("Plugin scaffolded", "id", t.ID, "dir", dir)
	return dir, nil
}

func (s *Service) writeScaffold(dir string, t Template) error {
	if err := os.MkdirAll(filepath.Join(dir, "resources"), 0755); err != nil {
		return err
	}

	desc := scaffoldManifest{
		SpecVersion:    manifest.SpecVersion,
		ID:             t.ID,
		Name:           t.Name,
		Version:        "0.1.0",
		Description:    t.Description,
		Author:         t.Author,
		Icon:           defaultIcon,
		Entry:          defaultEntry,
		ThreadIsolated: true,
		MinNovaVersion: "1.0.0",
		Permissions:    []string{"ipc"},
		Keywords:       []string{},
		Homepage:       "",
	}
	data, err := json.MarshalIndent(desc, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), append(data, '\n'), 0644); err != nil {
		return err
	}

	for file, tmpl := range map[string]string{
		"plugin_main.go": "plugin_main.go.tmpl",
		"README.md":      "README.md.tmpl",
	} {
		var buf bytes.Buffer
		if err := templates.ExecuteTemplate(&buf, tmpl, t); err != nil {
			return fmt.Errorf("failed to render %s: %w", file, err)
		}
		if err := os.WriteFile(filepath.Join(dir, file), buf.Bytes(), 0644); err != nil {
			return err
		}
	}

	return os.WriteFile(filepath.Join(dir, "resources", ".gitkeep"), nil, 0644)
}
