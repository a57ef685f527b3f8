// Package filestore abstracts the filesystem primitives the worker's split
// computation and the manager's directory cleanup call, per spec.md §1:
// "the filesystem primitives it calls" are an external collaborator,
// treated here as a pluggable LogStore so WAL files and recovered-edits
// artifacts can live on local disk or an object store unchanged.
package filestore

import (
	"context"
	"io"
)

// FileInfo is the minimal metadata splitDistributed needs about a log file:
// its path (used to build the task node name) and its size (summed into
// the byte total splitDistributed returns).
type FileInfo struct {
	Path string
	Size int64
}

// LogStore is the pluggable backend for WAL log files and recovered-edits
// output. The log-splitting computation itself is out of scope (spec.md
// §1); LogStore only supplies the read/write/enumerate primitives it uses.
type LogStore interface {
	// ListLogFiles enumerates regular files directly under dir (non
	// recursive, matching spec.md §4.3's "enumerates regular files in
	// the given directories").
	ListLogFiles(ctx context.Context, dir string) ([]FileInfo, error)

	// OpenLog opens a WAL file for reading.
	OpenLog(ctx context.Context, path string) (io.ReadCloser, error)

	// CreateRecoveredEdits opens (creating parent directories as needed)
	// a recovered-edits file for a region for writing.
	CreateRecoveredEdits(ctx context.Context, regionDir, name string) (io.WriteCloser, error)

	// RemoveDir best-effort removes dir and its contents, used by
	// splitDistributed's post-success source-directory cleanup
	// (spec.md §4.3, §9 — failures here are logged, not fatal).
	RemoveDir(ctx context.Context, dir string) error
}
