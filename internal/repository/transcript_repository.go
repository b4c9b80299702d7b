package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docsage-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ErrTranscriptNotFound 表示记录不存在或已过期。
var ErrTranscriptNotFound = errors.New("transcript not found")

const recentTranscriptsKey = "transcripts:recent"

// TranscriptRepository 定义了问答记录的追加与查询接口。记录写入后不再修改。
type TranscriptRepository interface {
	Append(ctx context.Context, t model.Transcript) error
	Get(ctx context.Context, sessionID string) (*model.Transcript, error)
	// Recent 返回最近的记录，最新的在前。
	Recent(ctx context.Context, limit int64) ([]model.Transcript, error)
}

type redisTranscriptRepository struct {
	redisClient *redis.Client
	retention   time.Duration
	maxRecent   int64
}

// NewTranscriptRepository 创建一个新的 TranscriptRepository 实例。
// retention 控制单条记录的保留时间，maxRecent 限制最近记录列表的长度。
func NewTranscriptRepository(redisClient *redis.Client, retention time.Duration, maxRecent int64) TranscriptRepository {
	if maxRecent <= 0 {
		maxRecent = 1000
	}
	return &redisTranscriptRepository{redisClient: redisClient, retention: retention, maxRecent: maxRecent}
}

func transcriptKey(sessionID string) string {
	return fmt.Sprintf("transcript:%s", sessionID)
}

// Append 写入一条记录并推入最近列表，超出长度的旧条目被裁剪。
func (r *redisTranscriptRepository) Append(ctx context.Context, t model.Transcript) error {
	if t.SessionID == "" {
		return errors.New("transcript session id is empty")
	}
	jsonData, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	// SETNX 保证同一会话的记录只写一次
	ok, err := r.redisClient.SetNX(ctx, transcriptKey(t.SessionID), jsonData, r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to set transcript: %w", err)
	}
	if !ok {
		return fmt.Errorf("transcript %s already exists", t.SessionID)
	}

	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, recentTranscriptsKey, t.SessionID)
		pipe.LTrim(ctx, recentTranscriptsKey, 0, r.maxRecent-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index transcript: %w", err)
	}
	return nil
}

func (r *redisTranscriptRepository) Get(ctx context.Context, sessionID string) (*model.Transcript, error) {
	jsonData, err := r.redisClient.Get(ctx, transcriptKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	var t model.Transcript
	if err := json.Unmarshal([]byte(jsonData), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return &t, nil
}

// Recent 跳过列表中已过期的会话。
func (r *redisTranscriptRepository) Recent(ctx context.Context, limit int64) ([]model.Transcript, error) {
	if limit <= 0 || limit > r.maxRecent {
		limit = r.maxRecent
	}
	ids, err := r.redisClient.LRange(ctx, recentTranscriptsKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent transcripts: %w", err)
	}
	if len(ids) == 0 {
		return []model.Transcript{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = transcriptKey(id)
	}
	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load transcripts: %w", err)
	}

	transcripts := make([]model.Transcript, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t model.Transcript
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			continue
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, nil
}
