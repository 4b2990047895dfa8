package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const maxCachedRecords = 512

// MemoryStore 在内存中保留最近的记录；指定文件路径时同时以 JSON Lines 追加落盘，
// 重启后从文件恢复。
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	records  []Record
}

// NewMemoryStore 创建纯内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewFileStore 创建以 JSON Lines 文件为后端的存储。
func NewFileStore(path string) (*MemoryStore, error) {
	if path == "" {
		path = filepath.Join(".", "transcripts.jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &MemoryStore{dataFile: path}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Save 以追加写的方式记录请求结果。
func (m *MemoryStore) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		if err := m.appendToDisk(record); err != nil {
			return err
		}
	}

	m.records = append([]Record{record}, m.records...)
	if len(m.records) > maxCachedRecords {
		m.records = m.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (m *MemoryStore) ListLatest(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 对内存存储无操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) appendToDisk(record Record) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入对话日志失败: %w", err)
	}
	return nil
}

func (m *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取对话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []Record
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析对话日志失败: %w", err)
	}

	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	m.records = restored
	return nil
}
