package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/walsplit/splitlog/pkg/errors"
)

// LocalLogStore is the default LogStore, backed directly by the local
// filesystem — the WAL directories a storage node owns on its own disk.
type LocalLogStore struct{}

// NewLocalLogStore constructs a LocalLogStore.
func NewLocalLogStore() *LocalLogStore {
	return &LocalLogStore{}
}

// ListLogFiles implements LogStore.
func (l *LocalLogStore) ListLogFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFileNotFound, "failed to list log directory").
			WithComponent("filestore").
			WithContext("dir", dir).
			WithCause(err)
	}

	var files []FileInfo
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Path: filepath.Join(dir, e.Name()),
			Size: info.Size(),
		})
	}
	return files, nil
}

// OpenLog implements LogStore.
func (l *LocalLogStore) OpenLog(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeFileNotFound, "failed to open log file").
			WithComponent("filestore").
			WithContext("path", path).
			WithCause(err)
	}
	return f, nil
}

// CreateRecoveredEdits implements LogStore.
func (l *LocalLogStore) CreateRecoveredEdits(ctx context.Context, regionDir, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(regionDir, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodePathInvalid, "failed to create region directory").
			WithComponent("filestore").
			WithContext("dir", regionDir).
			WithCause(err)
	}
	f, err := os.Create(filepath.Join(regionDir, name))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeAccessDenied, "failed to create recovered-edits file").
			WithComponent("filestore").
			WithContext("region_dir", regionDir).
			WithCause(err)
	}
	return f, nil
}

// RemoveDir implements LogStore. Best-effort per spec.md §9: the caller
// (splitDistributed) logs failures and still reports batch success.
func (l *LocalLogStore) RemoveDir(ctx context.Context, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewError(errors.ErrCodeAccessDenied, "failed to remove log directory").
			WithComponent("filestore").
			WithContext("dir", dir).
			WithCause(err)
	}
	return nil
}

var _ LogStore = (*LocalLogStore)(nil)
