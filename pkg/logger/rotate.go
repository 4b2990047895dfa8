package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// rotatingWriter 追加写入 path。超过大小上限时把当前文件改名为
// path.<时间戳>.<序号>，并只保留最新的 maxBackups 份且不超过 maxAge 的备份。
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	seq        int
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	w := &rotatingWriter{
		path:       path,
		maxSize:    50 << 20,
		maxBackups: 5,
		maxAge:     14 * 24 * time.Hour,
		now:        time.Now,
	}
	if maxSizeMB > 0 {
		w.maxSize = int64(maxSizeMB) << 20
	}
	if maxBackups > 0 {
		w.maxBackups = maxBackups
	}
	if maxAgeDays > 0 {
		w.maxAge = time.Duration(maxAgeDays) * 24 * time.Hour
	}
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

func (w *rotatingWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.size = nil, 0
	return err
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.closeFile(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	stamp := w.now().UTC().Format("20060102T150405")
	var target string
	for {
		w.seq++
		target = fmt.Sprintf("%s.%s.%04d", w.path, stamp, w.seq)
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
	}
	if err := os.Rename(w.path, target); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return nil
}

// prune 删除超出数量或过期的备份。备份名按时间戳与序号排序即为创建顺序。
func (w *rotatingWriter) prune() {
	backups, err := w.backups()
	if err != nil {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for i, name := range backups {
		if i < len(backups)-w.maxBackups {
			_ = os.Remove(name)
			continue
		}
		if info, err := os.Stat(name); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}

func (w *rotatingWriter) backups() ([]string, error) {
	names, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
