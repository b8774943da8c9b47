package packaging

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/nova-desk/nova/internal/manifest"
)

// Import extracts a plugin archive into the plugins root and returns the
// plugin id. The archive must hold one top-level directory containing the
// manifest. Existing plugin directories are never overwritten.
func (s *Service) Import(zipPath string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		if errors.Is(err, zip.ErrInsecurePath) {
			if r != nil {
				_ = r.Close()
			}
			return "", &ImportError{Reason: "Archive contains entries that escape the plugins directory", Err: ErrInvalidArchive}
		}
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, zip.ErrChecksum) {
			return "", &ImportError{Reason: "File is not a valid ZIP archive", Err: ErrInvalidArchive}
		}
		return "", &ImportError{Reason: fmt.Sprintf("Extraction failed: %v", err), Err: err}
	}
	defer func() { _ = r.Close() }()

	archiveDir, err := locateManifest(r.File)
	if err != nil {
		return "", err
	}

	for _, f := range r.File {
		if err := s.checkEntry(f.Name, archiveDir); err != nil {
			return "", err
		}
	}

	target := filepath.Join(s.pluginsDir, archiveDir)
	if _, err := os.Lstat(target); err == nil {
		return "", &ImportError{
			Reason: fmt.Sprintf("A plugin directory named '%s' already exists. Delete the existing plugin first.", archiveDir),
			Err:    ErrAlreadyExists,
		}
	}

	if err := os.MkdirAll(s.pluginsDir, 0755); err != nil {
		return "", &ImportError{Reason: fmt.Sprintf("Extraction failed: %v", err), Err: err}
	}
	if err := s.extract(r.File); err != nil {
		_ = os.RemoveAll(target)
		return "", &ImportError{Reason: fmt.Sprintf("Extraction failed: %v", err), Err: errors.Join(ErrExtractFailed, err)}
	}

	manifestPath := filepath.Join(target, manifest.FileName)
	if reasons := manifest.ValidateFile(manifestPath); len(reasons) > 0 {
		_ = os.RemoveAll(target)
		return "", &ImportError{
			Reason: "Invalid plugin: " + strings.Join(reasons, "; "),
			Err:    &manifest.InvalidError{Dir: target, Reasons: reasons},
		}
	}

	m, err := manifest.Load(target)
	if err != nil {
		_ = os.RemoveAll(target)
		return "", &ImportError{Reason: fmt.Sprintf("Cannot parse manifest: %v", err), Err: err}
	}

	if m.ID != archiveDir {
		renamed := filepath.Join(s.pluginsDir, m.ID)
		if _, err := os.Lstat(renamed); err == nil {
			_ = os.RemoveAll(target)
			return "", &ImportError{Reason: fmt.Sprintf("Plugin '%s' already exists", m.ID), Err: ErrAlreadyExists}
		}
		if err := os.Rename(target, renamed); err != nil {
			_ = os.RemoveAll(target)
			return "", &ImportError{Reason: fmt.Sprintf("Extraction failed: %v", err), Err: err}
		}
	}

	s.logger.Info("Plugin imported", "id", m.ID, "archive", zipPath)
	return m.ID, nil
}

// locateManifest returns the top-level directory holding the first
// manifest in the archive
func locateManifest(files []*zip.File) (string, error) {
	for _, f := range files {
		name := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if path.Base(name) != manifest.FileName || f.FileInfo().IsDir() {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(name, "/"), "/")
		if len(parts) < 2 {
			return "", &ImportError{Reason: "plugin.json must be inside a plugin sub-directory", Err: ErrNotInSubdir}
		}
		dir := parts[0]
		if dir == "." || dir == ".." {
			return "", &ImportError{Reason: "File is not a valid ZIP archive", Err: ErrInvalidArchive}
		}
		return dir, nil
	}
	return "", &ImportError{Reason: "No plugin.json found in archive", Err: ErrNoManifest}
}

// checkEntry rejects entries that would land outside the plugin directory
func (s *Service) checkEntry(name, archiveDir string) error {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return &ImportError{Reason: fmt.Sprintf("Archive entry '%s' escapes the plugins directory", name), Err: ErrInvalidArchive}
	}
	if clean != archiveDir && !strings.HasPrefix(clean, archiveDir+"/") {
		return &ImportError{Reason: fmt.Sprintf("Archive entry '%s' is outside '%s/'", name, archiveDir), Err: ErrInvalidArchive}
	}
	return nil
}

func (s *Service) extract(files []*zip.File) error {
	for _, f := range files {
		target := filepath.Join(s.pluginsDir, filepath.FromSlash(path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}

		mode := f.Mode().Perm()
		if mode == 0 {
			mode = 0644
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			_ = rc.Close()
			return err
		}

		_, err = io.Copy(out, rc)
		_ = rc.Close()
		_ = out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
