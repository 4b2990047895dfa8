// Package sqlstore 把对话记录写入 MySQL 或 SQLite。两种驱动共用同一套嵌入式迁移脚本，
// 启动时按版本号补齐未执行的迁移。
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/transcript"
)

// Store 使用关系数据库存储对话记录。
type Store struct {
	db     *sql.DB
	driver string
}

// Open 创建连接池并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open transcript database")
	}
	if err := runMigrations(ctx, db, embeddedMigrations); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate transcript database")
	}
	return &Store{db: db, driver: cfg.Driver}, nil
}

// Save 将记录写入数据库。
func (s *Store) Save(ctx context.Context, record transcript.Record) error {
	const stmt = `INSERT INTO transcripts
        (id, session_id, backend, mode, input, role, content, sid, prompt_tokens, completion_tokens,
         total_tokens, error_code, error_message, status, latency_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.SessionID,
		record.Backend,
		record.Mode,
		record.Input,
		record.Role,
		record.Content,
		record.SID,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		record.ErrorCode,
		record.ErrorMessage,
		record.Status,
		record.LatencyMS,
		record.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", s.driver))
	}
	return nil
}

// ListLatest 查询最近的若干条记录。
func (s *Store) ListLatest(ctx context.Context, limit int) ([]transcript.Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, backend, mode, input, role, content, sid,
        prompt_tokens, completion_tokens, total_tokens, error_code, error_message, status, latency_ms, created_at
        FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话记录失败")
	}
	defer rows.Close()

	var records []transcript.Record
	for rows.Next() {
		var r transcript.Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Backend, &r.Mode, &r.Input, &r.Role, &r.Content, &r.SID,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.ErrorCode, &r.ErrorMessage, &r.Status,
			&r.LatencyMS, &r.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析对话记录失败")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历对话记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
