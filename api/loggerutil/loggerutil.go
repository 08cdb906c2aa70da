// //////////////////////////////////////////////////////////
//
// Description:
// Logger construction for the partition daemon. One slog.Logger is built at
// startup from the configured format; the optional FileWriter mirrors log
// output into a small ring of rotating files.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package loggerutil

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Marlliton/slogpretty"
)

// LogFormat selects the slog handler.
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
	FormatPretty
)

// ParseLogFormat maps the config value onto a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "pretty":
		return FormatPretty, nil
	default:
		return FormatText, fmt.Errorf("unknown log format %q (UNF_LOG_001)", s)
	}
}

// New builds a logger writing to w in the given format.
func New(format LogFormat, w io.Writer, level slog.Level) *slog.Logger {
	switch format {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case FormatPretty:
		// Source: https://github.com/Marlliton/slogpretty
		return slog.New(slogpretty.New(w, nil))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

// FileWriter appends log output to a fixed ring of files, log_00 through
// log_NN, truncating the oldest when the current one fills up.
type FileWriter struct {
	mu             sync.Mutex
	logDir         string
	maxSizeBytes   int64
	numFiles       int
	currentIndex   int
	currentSize    int64
	currentFile    *os.File
	bufferedWriter *bufio.Writer
}

// NewFileWriter opens (or continues) the ring under dir. The directory is
// created when missing; a ~/ prefix expands to the home directory.
func NewFileWriter(dir string, maxSizeMB, numFiles int) (*FileWriter, error) {
	if maxSizeMB < 1 {
		maxSizeMB = 1
	}
	if numFiles < 1 {
		numFiles = 1
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w (UNF_LOG_002)", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w (UNF_LOG_002)", dir, err)
	}

	w := &FileWriter{
		logDir:       dir,
		maxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		numFiles:     numFiles,
	}
	if err := w.findCurrentLogFile(); err != nil {
		return nil, fmt.Errorf("find current log file: %w (UNF_LOG_002)", err)
	}
	if err := w.openCurrentFile(); err != nil {
		return nil, fmt.Errorf("open log file: %w (UNF_LOG_002)", err)
	}
	return w, nil
}

// findCurrentLogFile continues from the most recently modified ring entry,
// advancing once when that entry is already full.
func (w *FileWriter) findCurrentLogFile() error {
	type fileInfo struct {
		index   int
		modTime time.Time
		size    int64
	}

	var files []fileInfo
	for i := 0; i < w.numFiles; i++ {
		info, err := os.Stat(w.logFileName(i))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		files = append(files, fileInfo{index: i, modTime: info.ModTime(), size: info.Size()})
	}
	if len(files) == 0 {
		w.currentIndex = 0
		w.currentSize = 0
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	w.currentIndex = files[0].index
	w.currentSize = files[0].size

	if w.currentSize >= w.maxSizeBytes {
		w.currentIndex = (w.currentIndex + 1) % w.numFiles
		w.currentSize = 0
	}
	return nil
}

func (w *FileWriter) logFileName(index int) string {
	return filepath.Join(w.logDir, fmt.Sprintf("log_%02d", index))
}

func (w *FileWriter) openCurrentFile() error {
	file, err := os.OpenFile(w.logFileName(w.currentIndex), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.currentFile = file
	w.currentSize = info.Size()
	w.bufferedWriter = bufio.NewWriter(file)
	return nil
}

// Write implements io.Writer.
func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(p)) > w.maxSizeBytes {
		if err := w.rotate(); err != nil {
			// Keep writing into the current file rather than dropping logs.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := w.bufferedWriter.Write(p)
	if err != nil {
		return n, err
	}
	w.currentSize += int64(n)

	// Flush periodically without forcing a disk sync.
	if w.bufferedWriter.Buffered() > 4096 {
		w.bufferedWriter.Flush()
	}
	return n, nil
}

// rotate truncates the next ring entry and makes it current.
func (w *FileWriter) rotate() error {
	if w.bufferedWriter != nil {
		w.bufferedWriter.Flush()
	}
	if w.currentFile != nil {
		w.currentFile.Close()
	}

	w.currentIndex = (w.currentIndex + 1) % w.numFiles
	file, err := os.OpenFile(w.logFileName(w.currentIndex), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w.currentFile = file
	w.currentSize = 0
	w.bufferedWriter = bufio.NewWriter(file)
	return nil
}

// Close flushes buffered output and closes the current file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bufferedWriter != nil {
		w.bufferedWriter.Flush()
	}
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	return nil
}
