package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/walsplit/splitlog/internal/filestore"
	"github.com/walsplit/splitlog/pkg/errors"
	"github.com/walsplit/splitlog/pkg/types"
	"github.com/walsplit/splitlog/pkg/utils"
)

// FileSplitter is the default types.Splitter: the pure log-splitting
// computation spec.md §1 treats as an external collaborator. It reads a
// WAL file line by line, expecting each line to be prefixed with
// "<regionID>\t<edit bytes>", and appends the edit bytes verbatim to that
// region's recovered-edits file under RecoveredEditsDir/<regionID>/.
//
// This is a deliberately simple, line-oriented format: the real per-region
// WAL entry encoding is internal to the storage engine and out of scope
// here (spec.md §1 names "the log-splitting computation itself" as an
// external collaborator invoked through this one `Split` seam).
type FileSplitter struct {
	Files             filestore.LogStore
	RecoveredEditsDir string
}

// NewFileSplitter constructs a FileSplitter. recoveredEditsDir is the root
// under which per-region output directories are created; the recovered
// edits file name within each is derived from the source WAL path so two
// different source files never collide in the same region directory.
func NewFileSplitter(files filestore.LogStore, recoveredEditsDir string) *FileSplitter {
	return &FileSplitter{
		Files:             files,
		RecoveredEditsDir: recoveredEditsDir,
	}
}

// Split implements types.Splitter.
func (s *FileSplitter) Split(ctx context.Context, logPath string) (types.SplitResult, error) {
	r, err := s.Files.OpenLog(ctx, logPath)
	if err != nil {
		return types.SplitResult{}, err
	}
	defer r.Close()

	writers := make(map[string]io.WriteCloser)
	defer func() {
		for _, w := range writers {
			_ = w.Close()
		}
	}()

	touched := make([]string, 0, 4)
	var bytesSplit int64
	editsName := recoveredEditsNameFor(logPath)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return types.SplitResult{}, errors.NewError(errors.ErrCodeOperationCanceled, "split canceled").
				WithComponent("worker").
				WithContext("log_path", logPath)
		default:
		}

		line := scanner.Bytes()
		bytesSplit += int64(len(line)) + 1

		region, edit, ok := splitRegionLine(line)
		if !ok {
			continue
		}

		w, exists := writers[region]
		if !exists {
			// region comes straight from WAL content, not a trusted
			// value: SecureJoin rejects a region ID crafted with ".."
			// segments to escape RecoveredEditsDir instead of silently
			// resolving it the way filepath.Join would.
			regionDir, joinErr := utils.SecureJoin(s.RecoveredEditsDir, region)
			if joinErr != nil {
				return types.SplitResult{}, errors.NewError(errors.ErrCodeSplitFailed, "unsafe region path in WAL entry").
					WithComponent("worker").
					WithContext("region", region).
					WithCause(joinErr)
			}
			w, err = s.Files.CreateRecoveredEdits(ctx, regionDir, editsName)
			if err != nil {
				return types.SplitResult{}, err
			}
			writers[region] = w
			touched = append(touched, regionDir)
		}

		if _, err := w.Write(edit); err != nil {
			return types.SplitResult{}, errors.NewError(errors.ErrCodeSplitFailed, "failed writing recovered edit").
				WithComponent("worker").
				WithContext("region", region).
				WithCause(err)
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return types.SplitResult{}, errors.NewError(errors.ErrCodeSplitFailed, "failed writing recovered edit").
				WithComponent("worker").
				WithContext("region", region).
				WithCause(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return types.SplitResult{}, errors.NewError(errors.ErrCodeSplitFailed, "failed reading WAL file").
			WithComponent("worker").
			WithContext("log_path", logPath).
			WithCause(err)
	}

	return types.SplitResult{RegionsTouched: touched, BytesSplit: bytesSplit}, nil
}

// splitRegionLine parses a "<regionID>\t<edit>" line. Lines without a tab
// separator are skipped rather than failing the whole split — a malformed
// line is not grounds to fail recovery for every other region in the file.
func splitRegionLine(line []byte) (region string, edit []byte, ok bool) {
	idx := strings.IndexByte(string(line), '\t')
	if idx < 0 {
		return "", nil, false
	}
	return string(line[:idx]), line[idx+1:], true
}

var _ types.Splitter = (*FileSplitter)(nil)

// recoveredEditsNameFor derives a deterministic recovered-edits file name
// from the source WAL path, so re-running a split after a worker crash
// overwrites rather than accumulates duplicate output files.
func recoveredEditsNameFor(logPath string) string {
	base := filepath.Base(logPath)
	return fmt.Sprintf("%s.recovered", base)
}
