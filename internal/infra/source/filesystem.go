// Package source provides access to ingested log files as line-addressable
// batches. The filesystem implementation backs the engine's default deployment
// where ingestion lands files on a shared volume.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

// maxLineBytes bounds a single log line. Lines beyond this indicate a binary
// or corrupt upload rather than a log file.
const maxLineBytes = 1 << 20

var _ analysis.LineSource = (*FilesystemSource)(nil)

// FilesystemSource resolves file references against a root directory.
// References are relative paths; anything escaping the root is rejected.
type FilesystemSource struct {
	root   string
	logger *logger.Logger
}

// NewFilesystemSource creates a line source rooted at dir.
func NewFilesystemSource(dir string, log *logger.Logger) *FilesystemSource {
	return &FilesystemSource{root: dir, logger: log.With("component", "filesystem_source")}
}

// Open resolves fileID under the source root and counts its lines so totals
// are known from the first batch. Returns ErrFileNotFound for unknown or
// escaping references.
func (s *FilesystemSource) Open(ctx context.Context, fileID string) (analysis.LineHandle, error) {
	path, err := s.resolve(fileID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, analysis.ErrFileNotFound
		}
		return nil, fmt.Errorf("open %q: %w", fileID, err)
	}

	totalLines, err := countLines(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("count lines in %q: %w", fileID, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind %q: %w", fileID, err)
	}

	s.logger.Debug(ctx, "opened log file", "file_id", fileID, "total_lines", totalLines)

	return &fileHandle{
		file:       f,
		reader:     newLineReader(f),
		totalLines: totalLines,
	}, nil
}

func (s *FilesystemSource) resolve(fileID string) (string, error) {
	if fileID == "" {
		return "", analysis.ErrFileNotFound
	}
	cleaned := filepath.Clean(fileID)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", analysis.ErrFileNotFound
	}
	return filepath.Join(s.root, cleaned), nil
}

func newLineReader(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

func countLines(r io.Reader) (int64, error) {
	sc := newLineReader(r)
	var n int64
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

// fileHandle reads batches in file order. Rewinding to an earlier start line
// restarts the scan from the top, so identical (startLine, count) requests
// always return identical content.
type fileHandle struct {
	file       *os.File
	reader     *bufio.Scanner
	nextLine   int64
	totalLines int64
}

func (h *fileHandle) ReadBatch(ctx context.Context, startLine int64, count int) (analysis.LineBatch, error) {
	if startLine < 0 || count <= 0 {
		return analysis.LineBatch{}, fmt.Errorf("invalid batch request: start %d count %d", startLine, count)
	}
	if startLine > h.totalLines {
		return analysis.LineBatch{}, fmt.Errorf("start line %d beyond end of file (%d lines)", startLine, h.totalLines)
	}

	if startLine < h.nextLine {
		if err := h.rewind(); err != nil {
			return analysis.LineBatch{}, err
		}
	}

	// Skip forward to the requested start.
	for h.nextLine < startLine {
		if err := ctx.Err(); err != nil {
			return analysis.LineBatch{}, err
		}
		if !h.reader.Scan() {
			if err := h.reader.Err(); err != nil {
				return analysis.LineBatch{}, fmt.Errorf("skip to line %d: %w", startLine, err)
			}
			return analysis.LineBatch{}, fmt.Errorf("start line %d beyond end of file", startLine)
		}
		h.nextLine++
	}

	lines := make([]string, 0, count)
	for len(lines) < count {
		if err := ctx.Err(); err != nil {
			return analysis.LineBatch{}, err
		}
		if !h.reader.Scan() {
			if err := h.reader.Err(); err != nil {
				return analysis.LineBatch{}, fmt.Errorf("read batch at line %d: %w", startLine, err)
			}
			break
		}
		lines = append(lines, h.reader.Text())
		h.nextLine++
	}

	return analysis.LineBatch{
		StartLine:  startLine,
		Lines:      lines,
		IsLast:     h.nextLine >= h.totalLines,
		TotalLines: h.totalLines,
	}, nil
}

func (h *fileHandle) rewind() error {
	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	h.reader = newLineReader(h.file)
	h.nextLine = 0
	return nil
}

func (h *fileHandle) Close() error { return h.file.Close() }
