package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/transcript"
)

const defaultMaxLen = 512

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
	MaxLen   int
}

// Store 使用 Redis list 存储对话记录。
type Store struct {
	client *redis.Client
	key    string
	maxLen int64
}

// Open 创建 Redis 客户端并检查连通性。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return New(client, cfg.Key, cfg.MaxLen), nil
}

// New 使用已有客户端创建存储。
func New(client *redis.Client, key string, maxLen int) *Store {
	if key == "" {
		key = "sparkdemo:transcripts"
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Store{client: client, key: key, maxLen: int64(maxLen)}
}

// Save 把记录压入列表头部并裁剪长度。
func (s *Store) Save(ctx context.Context, record transcript.Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, encoded)
	pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入对话记录失败")
	}
	return nil
}

// ListLatest 返回最近的若干条记录。
func (s *Store) ListLatest(ctx context.Context, limit int) ([]transcript.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	values, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取对话记录失败")
	}
	records := make([]transcript.Record, 0, len(values))
	for _, v := range values {
		var r transcript.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Close 关闭 Redis 连接。
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
