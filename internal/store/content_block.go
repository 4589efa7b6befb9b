// content_block.go — content_blocks 表读写。
//
// 读出的行直接扫描为 blocks.ContentBlock, 顺序与展示排序一致 (updated_at, sequence_number, id)。
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/chatstream/internal/blocks"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
)

// ContentBlockStore content_blocks 存储。
type ContentBlockStore struct{ BaseStore }

// NewContentBlockStore 创建。
func NewContentBlockStore(pool *pgxpool.Pool) *ContentBlockStore {
	return &ContentBlockStore{NewBaseStore(pool)}
}

const cbCols = `id, chat_session_id AS session_id, sequence_number, block_type, author,
	content, block_metadata, parent_block_id, created_at, updated_at`

// ListBySession 查询会话全部内容块。
func (s *ContentBlockStore) ListBySession(ctx context.Context, sessionID string) ([]blocks.ContentBlock, error) {
	if s.pool == nil {
		return nil, apperrors.New("ContentBlockStore.ListBySession", "pool is required")
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+cbCols+" FROM content_blocks WHERE chat_session_id=$1 ORDER BY updated_at, sequence_number, id",
		sessionID)
	if err != nil {
		return nil, apperrors.WithCode(err, "ContentBlockStore.ListBySession", apperrors.CodeDB, "query content blocks")
	}
	items, err := collectRows[blocks.ContentBlock](rows)
	if err != nil {
		return nil, apperrors.WithCode(err, "ContentBlockStore.ListBySession", apperrors.CodeDB, "scan content blocks")
	}
	return items, nil
}

// Insert 写入单个内容块。ID 为空时生成 uuid; 时间戳为零值时取当前时间。
// sequence_number 为 0 时取会话内下一个序号。
func (s *ContentBlockStore) Insert(ctx context.Context, b *blocks.ContentBlock) error {
	if s.pool == nil {
		return apperrors.New("ContentBlockStore.Insert", "pool is required")
	}
	if b.Placeholder {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "ContentBlockStore.Insert", "placeholder blocks are not persisted")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO content_blocks
		   (id, chat_session_id, sequence_number, block_type, author, content, block_metadata,
		    parent_block_id, created_at, updated_at)
		 VALUES ($1, $2,
		   CASE WHEN $3::int > 0 THEN $3::int
		        ELSE (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM content_blocks WHERE chat_session_id = $2) END,
		   $4, $5, $6, $7, $8, $9, $10)
		 RETURNING sequence_number`,
		b.ID, b.SessionID, b.SequenceNumber, string(b.BlockType), b.Author,
		mustMarshalJSON(b.Content), mustMarshalJSON(b.Metadata), b.ParentBlockID,
		b.CreatedAt, b.UpdatedAt,
	).Scan(&b.SequenceNumber)
	if err != nil {
		return apperrors.WithCode(err, "ContentBlockStore.Insert", apperrors.CodeDB, "insert content block")
	}
	return nil
}

// mustMarshalJSON 序列化 jsonb 列值; 不可序列化时记录警告并回退为 "{}"。
func mustMarshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("store: marshal jsonb failed, using {}", logger.FieldError, err)
		return []byte("{}")
	}
	return data
}
