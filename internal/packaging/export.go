package packaging

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nova-desk/nova/internal/manifest"
)

// Export zips the plugin directory into outDir/{id}.zip with entry names
// relative to the plugins root, and returns the archive path
func (s *Service) Export(id, outDir string) (string, error) {
	if err := manifest.CheckID(id); err != nil {
		return "", &ExportError{Reason: err.Error(), Err: err}
	}
	dir := filepath.Join(s.pluginsDir, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", &ExportError{Reason: fmt.Sprintf("Plugin directory not found: %s", dir), Err: ErrPluginNotFound}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", &ExportError{Reason: fmt.Sprintf("Export failed: %v", err), Err: err}
	}
	out := filepath.Join(outDir, id+".zip")

	if err := s.writeArchive(dir, out); err != nil {
		_ = os.Remove(out)
		return "", &ExportError{Reason: fmt.Sprintf("Export failed: %v", err), Err: err}
	}

	s.logger.Info("Plugin exported", "id", id, "path", out)
	return out, nil
}

func (s *Service) writeArchive(dir, out string) (err error) {
	file, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	zw := zip.NewWriter(file)
	absOut, _ := filepath.Abs(out)

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(p); abs == absOut {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.pluginsDir, p)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		_ = src.Close()
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		return walkErr
	}
	return zw.Close()
}
