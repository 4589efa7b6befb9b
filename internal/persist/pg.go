// pg.go — 直接读取 Postgres 的数据源 (与 REST 接口返回相同数据)。
package persist

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/chatstream/internal/blocks"
	"github.com/multi-agent/chatstream/internal/store"
	"github.com/multi-agent/chatstream/internal/stream"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
)

var _ stream.Source = (*PGSource)(nil)

// MessageLister 由 store.MessageStore 实现。
type MessageLister interface {
	ListBySession(ctx context.Context, sessionID string, skip, limit int) ([]store.MessageRow, error)
}

// BlockLister 由 store.ContentBlockStore 实现。
type BlockLister interface {
	ListBySession(ctx context.Context, sessionID string) ([]blocks.ContentBlock, error)
}

// PGSource 基于 store 的数据源。
type PGSource struct {
	messages MessageLister
	blocks   BlockLister
	pageSize int
}

// NewPGSource 由两个 store 组装。
func NewPGSource(messages MessageLister, blockStore BlockLister) *PGSource {
	return &PGSource{messages: messages, blocks: blockStore, pageSize: 500}
}

// NewPGSourceFromPool 用连接池创建默认 store 组合。
func NewPGSourceFromPool(pool *pgxpool.Pool) *PGSource {
	return NewPGSource(store.NewMessageStore(pool), store.NewContentBlockStore(pool))
}

// ListMessages 分页读取会话全部消息。
func (s *PGSource) ListMessages(ctx context.Context, sessionID string) ([]stream.Message, error) {
	const op = "PGSource.ListMessages"
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "session id is required")
	}
	var out []stream.Message
	for page := 0; page < maxPages; page++ {
		rows, err := s.messages.ListBySession(ctx, sessionID, len(out), s.pageSize)
		if err != nil {
			return nil, apperrors.Wrap(err, op, "list messages")
		}
		for _, r := range rows {
			out = append(out, stream.Message{
				ID:        r.ID,
				SessionID: r.SessionID,
				Role:      stream.Role(r.Role),
				Content:   r.Content,
				CreatedAt: r.CreatedAt,
			})
		}
		if len(rows) < s.pageSize {
			break
		}
	}
	logger.Debug("persist: messages loaded from postgres",
		logger.FieldSessionID, sessionID,
		logger.FieldCount, len(out),
	)
	return out, nil
}

// ListBlocks 读取会话全部内容块。
func (s *PGSource) ListBlocks(ctx context.Context, sessionID string) ([]blocks.ContentBlock, error) {
	const op = "PGSource.ListBlocks"
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, op, "session id is required")
	}
	out, err := s.blocks.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, op, "list blocks")
	}
	return out, nil
}
