// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package logs

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Tailer follows a text kernel log (kern.log, a saved dmesg) and handles
// rotation.
type Tailer struct {
	path      string
	fromStart bool
	parser    *Parser
	logger    *zap.Logger

	mu        sync.RWMutex
	callbacks []func(*LogRecord)
	file      *tailedFile
	watcher   *fsnotify.Watcher
}

type tailedFile struct {
	file   *os.File
	offset int64
	inode  uint64
	reader *bufio.Reader
}

// NewTailer creates a tailer for path. With fromStart the existing content
// is read first; otherwise only lines appended after Run starts.
func NewTailer(path string, fromStart bool, parser *Parser, logger *zap.Logger) (*Tailer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Tailer{
		path:      filepath.Clean(path),
		fromStart: fromStart,
		parser:    parser,
		logger:    logger,
		watcher:   watcher,
	}, nil
}

// OnLog registers a callback for records from this tailer.
func (t *Tailer) OnLog(fn func(*LogRecord)) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.mu.Unlock()
}

func (t *Tailer) emit(record *LogRecord) {
	t.mu.RLock()
	cbs := t.callbacks
	t.mu.RUnlock()

	for _, cb := range cbs {
		cb(record)
	}
}

// ReadOnce reads the file from the start to its current end.
func (t *Tailer) ReadOnce() error {
	if err := t.openFile(); err != nil {
		return err
	}
	t.readFile()
	return nil
}

// Run starts the tailer main loop.
func (t *Tailer) Run(ctx context.Context, stopCh chan struct{}) {
	if err := t.openFile(); err != nil {
		t.logger.Debug("open file error", zap.String("path", t.path), zap.Error(err))
	} else if !t.fromStart {
		// Seek to end (only tail new content)
		t.file.offset, _ = t.file.file.Seek(0, io.SeekEnd)
		t.file.reader.Reset(t.file.file)
	}

	// Watch the directory so a recreated file is noticed
	if err := t.watcher.Add(filepath.Dir(t.path)); err != nil {
		t.logger.Debug("watch error", zap.String("path", t.path), zap.Error(err))
	}

	pollTicker := time.NewTicker(250 * time.Millisecond)
	defer pollTicker.Stop()

	rotateTicker := time.NewTicker(5 * time.Second)
	defer rotateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return

		case event := <-t.watcher.Events:
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				t.checkRotation()
			}
			if event.Op&fsnotify.Write != 0 {
				t.readFile()
			}

		case <-pollTicker.C:
			t.readFile()

		case <-rotateTicker.C:
			t.checkRotation()

		case err := <-t.watcher.Errors:
			t.logger.Debug("watcher error", zap.Error(err))
		}
	}
}

// Stop cleans up the tailer.
func (t *Tailer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watcher.Close()
	if t.file != nil {
		t.file.file.Close()
		t.file = nil
	}
}

func (t *Tailer) openFile() error {
	if t.file != nil {
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	t.file = &tailedFile{
		file:   f,
		inode:  fileInode(info),
		reader: bufio.NewReader(f),
	}
	t.logger.Debug("tailing file", zap.String("path", t.path))
	return nil
}

func (t *Tailer) readFile() {
	tf := t.file
	if tf == nil {
		if t.openFile() != nil {
			return
		}
		tf = t.file
	}

	for {
		line, err := tf.reader.ReadString('\n')
		if err != nil {
			// Keep a partial last line for the next read.
			if len(line) > 0 {
				tf.file.Seek(tf.offset, io.SeekStart)
				tf.reader.Reset(tf.file)
			}
			break
		}
		tf.offset += int64(len(line))

		if record, ok := t.parser.Parse(line, "dmesg"); ok {
			record.Source = "file"
			record.FilePath = t.path
			t.emit(record)
		}
	}
}

func (t *Tailer) checkRotation() {
	tf := t.file
	if tf == nil {
		t.readFile()
		return
	}

	info, err := os.Stat(t.path)
	if err != nil {
		// File removed; wait for it to come back
		tf.file.Close()
		t.file = nil
		return
	}

	// Rotation detected: inode changed or file shrank
	if fileInode(info) != tf.inode || info.Size() < tf.offset {
		t.logger.Debug("rotation detected", zap.String("path", t.path))
		// Drain remaining data from old file before closing
		t.readFile()
		tf.file.Close()
		t.file = nil
		t.readFile()
	}
}

// fileInode extracts the inode number from os.FileInfo (platform-specific).
func fileInode(info os.FileInfo) uint64 {
	return fileInodeImpl(info)
}
