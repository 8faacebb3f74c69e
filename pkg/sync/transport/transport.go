// Package transport defines the capability object the orchestrator uses to
// reach files at a location. How the capability reaches a device is someone
// else's problem: the engine assumes an already-established channel
// maintained by the device-connectivity subsystem.
package transport

import (
	"context"
	"io"
	"time"
)

// FileInfo describes one file at a location. Path is relative to the listed
// root, using forward slashes.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    string
}

// Transport is the per-destination file capability.
type Transport interface {
	// Stat describes the file at `path` and reports whether it is a
	// directory. Directory FileInfos carry no hash.
	Stat(ctx context.Context, path string) (FileInfo, bool, error)

	// ListFiles walks `path` recursively and returns every regular file
	// under it, with paths relative to `path`. Listing a single file
	// returns one entry whose Path is the file's base name.
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)

	// ReadFile opens the file at `path` for reading.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteFile replaces the file at `path` with the contents of `r`,
	// creating parent directories as needed and preserving `modTime`.
	WriteFile(ctx context.Context, path string, r io.Reader, modTime time.Time) error

	// RenameFile moves a file within the location.
	RenameFile(ctx context.Context, oldPath, newPath string) error
}

// Locator resolves a location identifier (models.LocationServer or a device
// id) to its Transport. An unresolvable device means the destination is
// unreachable for the run.
type Locator interface {
	Locate(location string) (Transport, error)
}
