package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

// Local is a Transport over a filesystem the server can touch directly: the
// server's own sync storage, or a mounted agent filesystem in tests.
type Local struct {
	fs afero.Fs
}

// NewLocal returns a Transport backed by `fs`.
func NewLocal(fs afero.Fs) *Local {
	return &Local{fs: fs}
}

func (l *Local) Stat(ctx context.Context, path string) (FileInfo, bool, error) {
	fi, err := l.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, false, errors.FileNotFound{Path: path}
		}
		return FileInfo{}, false, errors.WithContext(err, "stat")
	}

	if fi.IsDir() {
		return FileInfo{Path: path, ModTime: fi.ModTime()}, true, nil
	}

	hash, err := l.hashFile(path)
	if err != nil {
		return FileInfo{}, false, err
	}
	return FileInfo{
		Path:    filepath.Base(path),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Hash:    hash,
	}, false, nil
}

func (l *Local) ListFiles(ctx context.Context, path string) ([]FileInfo, error) {
	fi, err := l.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "stat")
	}

	if !fi.IsDir() {
		hash, err := l.hashFile(path)
		if err != nil {
			return nil, err
		}
		return []FileInfo{{
			Path:    filepath.Base(path),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Hash:    hash,
		}}, nil
	}

	var files []FileInfo
	err = afero.Walk(l.fs, path, func(child string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(path, child)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}

		hash, err := l.hashFile(child)
		if err != nil {
			return err
		}

		files = append(files, FileInfo{
			Path:    filepath.ToSlash(relPath),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Hash:    hash,
		})
		return nil
	})
	return files, err
}

func (l *Local) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "open")
	}
	return f, nil
}

func (l *Local) WriteFile(ctx context.Context, path string, r io.Reader, modTime time.Time) error {
	parent := filepath.Dir(path)
	parentExists, err := afero.DirExists(l.fs, parent)
	if err != nil {
		return errors.WithContext(err, "check if parent exists")
	}
	if !parentExists {
		if err := l.fs.MkdirAll(parent, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
	}

	dst, err := l.fs.Create(path)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}

	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return errors.WithContext(err, "copy")
	}
	if err := dst.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := l.fs.Chtimes(path, time.Now(), modTime); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}

func (l *Local) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return l.fs.Rename(oldPath, newPath)
}

// hashFile returns the sha256 hex digest of the file at `path`.
func (l *Local) hashFile(path string) (string, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashReader returns the sha256 hex digest of everything read from `r`.
// It's what uploads use to fingerprint blobs as they're stored.
func HashReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, errors.WithContext(err, "read")
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
