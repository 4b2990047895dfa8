package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterKeepsNewestBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	w, err := newRotatingWriter(path, 1, 1, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.maxSize = 16
	defer w.Close()

	for _, line := range []string{"aaaaaaaaaaaa\n", "bbbbbbbbbbbb\n", "cccccccccccc\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "cccccccccccc\n" {
		t.Fatalf("unexpected current content: %q", current)
	}
	backups, err := w.backups()
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected exactly one backup, got %v", backups)
	}
	kept, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(kept) != "bbbbbbbbbbbb\n" {
		t.Fatalf("newest backup must be kept, got %q", kept)
	}
}

func TestAuditLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "requests.log")
	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Audit().Info("请求完成", "request_id", "r-1")
	Named("chat").Debug("debug line")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &record); err != nil {
		t.Fatalf("audit line is not json: %v (%s)", err, raw)
	}
	if record["request_id"] != "r-1" || record["stream"] != "audit" {
		t.Fatalf("unexpected audit record: %v", record)
	}

	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), "component=chat") {
		t.Fatalf("expected component attribute in %q", app)
	}
}
