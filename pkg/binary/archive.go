package binary

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// extractZip unpacks the archive into dest, preserving file modes.
func extractZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open zip: %v", ErrExtractionFailed, err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if err := ensureWithinRoot(dest, target); err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, f.Mode()); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", ErrExtractionFailed, target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("%w: mkdir for file %s: %v", ErrExtractionFailed, target, err)
		}

		// Symlinks inside app bundles must survive extraction
		if f.Mode()&os.ModeSymlink != 0 {
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("%w: open entry %s: %v", ErrExtractionFailed, f.Name, err)
			}
			linkTarget, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("%w: read symlink %s: %v", ErrExtractionFailed, f.Name, err)
			}
			os.Remove(target)
			if err := os.Symlink(string(linkTarget), target); err != nil {
				return fmt.Errorf("%w: symlink %s: %v", ErrExtractionFailed, target, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: open entry %s: %v", ErrExtractionFailed, f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return fmt.Errorf("%w: create file %s: %v", ErrExtractionFailed, target, err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return fmt.Errorf("%w: copy file %s: %v", ErrExtractionFailed, target, err)
		}
		out.Close()
		rc.Close()
	}

	return nil
}

// extractTarXz unpacks the archive into dest. Modes are preserved, but the
// caller still re-asserts the exec bit on candidate binaries afterwards.
func extractTarXz(archivePath, dest string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", ErrExtractionFailed, err)
	}
	defer file.Close()

	xzr, err := xz.NewReader(bufio.NewReader(file))
	if err != nil {
		return fmt.Errorf("%w: xz reader: %v", ErrExtractionFailed, err)
	}

	tr := tar.NewReader(xzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read archive: %v", ErrExtractionFailed, err)
		}

		name := strings.TrimPrefix(filepath.Clean(header.Name), "./")
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(dest, name)
		if err := ensureWithinRoot(dest, target); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", ErrExtractionFailed, target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: mkdir for file %s: %v", ErrExtractionFailed, target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("%w: create file %s: %v", ErrExtractionFailed, target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("%w: copy file %s: %v", ErrExtractionFailed, target, err)
			}
			f.Close()
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("%w: symlink %s: %v", ErrExtractionFailed, target, err)
			}
		default:
			// Hard links, devices and the like have no business in a
			// release archive
			return fmt.Errorf("%w: unsupported tar entry %q", ErrExtractionFailed, header.Name)
		}
	}

	return nil
}

// findBundle locates the single top-level .app directory under dir.
func findBundle(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read dir %s: %v", ErrExtractionFailed, dir, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".app") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: no app bundle found in %s", ErrExtractionFailed, dir)
}

func ensureWithinRoot(root, target string) error {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if target == root {
		return nil
	}
	if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("%w: illegal path %s", ErrExtractionFailed, target)
	}
	return nil
}
