package analytics

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/edgeward/edgeward/internal/logger"
)

// LineHandler consumes one complete log line and where it ended in the file.
type LineHandler func(ctx context.Context, line string, pos Position) error

// Tailer follows a log file across truncation and rename/recreate rotation.
type Tailer struct {
	path      string
	fromStart bool
	poll      time.Duration
	handle    LineHandler

	file      *os.File
	info      os.FileInfo
	reader    *bufio.Reader
	offset    int64
	lines     lineSplitter
	restarted bool
}

// NewTailer follows path. Without fromStart the existing content is skipped.
func NewTailer(path string, fromStart bool, handle LineHandler) *Tailer {
	return &Tailer{path: filepath.Clean(path), fromStart: fromStart, poll: time.Second, handle: handle}
}

// Run blocks until ctx is done. Directory events trigger reads; the poll ticker
// covers filesystems that do not deliver them.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}
	defer t.close()

	t.open(!t.fromStart)
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		t.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				if t.following() {
					continue
				}
				t.drain(ctx)
				t.close()
				t.open(false)
				logger.Log().WithField("path", t.path).Info("access log recreated, following new file")
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				// Keep the old handle until its tail is read; the next Create reopens.
				t.drain(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Log().WithError(err).Warn("access log watcher error")
		case <-ticker.C:
			t.checkRotation(ctx)
		}
	}
}

// open opens the log, optionally positioned at its end. A missing file is retried later.
func (t *Tailer) open(atEnd bool) {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Log().WithError(err).WithField("path", t.path).Warn("failed to open access log")
		}
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return
	}
	t.offset = 0
	if atEnd {
		if t.offset, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return
		}
	}
	t.file, t.info = f, info
	t.reader = bufio.NewReader(f)
	t.lines.reset()
	t.restarted = false
}

func (t *Tailer) close() {
	if t.file != nil {
		t.file.Close()
	}
	t.file, t.info, t.reader = nil, nil, nil
	t.lines.reset()
}

// following reports whether the open handle is the file currently at path.
func (t *Tailer) following() bool {
	if t.file == nil {
		return false
	}
	info, err := os.Stat(t.path)
	return err == nil && os.SameFile(info, t.info)
}

// checkRotation handles truncation and replacement missed by the watcher.
func (t *Tailer) checkRotation(ctx context.Context) {
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	switch {
	case t.file == nil:
		t.open(false)
	case !os.SameFile(info, t.info):
		t.drain(ctx)
		t.close()
		t.open(false)
	case info.Size() < t.offset:
		logger.Log().WithField("path", t.path).Info("access log truncated, reading from start")
		if _, err := t.file.Seek(0, io.SeekStart); err == nil {
			t.offset = 0
			t.reader.Reset(t.file)
			t.lines.reset()
			t.restarted = true
		}
	}
}

// drain hands every complete line to the handler. A trailing partial line waits
// for its newline; lines over maxLineSize are skipped.
func (t *Tailer) drain(ctx context.Context) {
	if t.reader == nil {
		return
	}
	defer func() {
		if t.lines.dropped > 0 {
			logger.Log().WithField("path", t.path).WithField("dropped", t.lines.dropped).Warn("skipped oversized access log lines")
			t.lines.dropped = 0
		}
	}()
	for {
		line, n, err := t.lines.next(t.reader)
		t.offset += n
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Log().WithError(err).Warn("failed to read access log")
			}
			return
		}
		pos := Position{File: t.info, Offset: t.offset, Restarted: t.restarted}
		t.restarted = false
		if herr := t.handle(ctx, line, pos); herr != nil && ctx.Err() != nil {
			return
		}
	}
}
