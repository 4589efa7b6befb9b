// message.go — messages 表读写 (会话的持久化消息列表)。
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/chatstream/pkg/errors"
)

// MessageRow messages 表一行。
type MessageRow struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"chat_session_id"`
	Role      string    `db:"role" json:"role"` // user | assistant | system
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MessageStore messages 存储。
type MessageStore struct{ BaseStore }

// NewMessageStore 创建。
func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{NewBaseStore(pool)}
}

// 列 chat_session_id 以 session_id 别名返回, 与 MessageRow 的 db tag 对齐。
const msgCols = "id, chat_session_id AS session_id, role, content, created_at"

// Insert 写入单条消息。ID 为空时生成 uuid, CreatedAt 为零值时取当前时间。
func (s *MessageStore) Insert(ctx context.Context, msg *MessageRow) error {
	if s.pool == nil {
		return apperrors.New("MessageStore.Insert", "pool is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return apperrors.WithCode(err, "MessageStore.Insert", apperrors.CodeDB, "insert message")
	}
	return nil
}

// ListBySession 按会话查询消息 (created_at 升序, skip/limit 分页)。
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string, skip, limit int) ([]MessageRow, error) {
	if s.pool == nil {
		return nil, apperrors.New("MessageStore.ListBySession", "pool is required")
	}
	qb := NewQueryBuilder().Eq("chat_session_id", sessionID)
	sql, args := qb.Build("SELECT "+msgCols+" FROM messages", "created_at ASC, id ASC", limit, skip)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperrors.WithCode(err, "MessageStore.ListBySession", apperrors.CodeDB, "query messages")
	}
	items, err := collectRows[MessageRow](rows)
	if err != nil {
		return nil, apperrors.WithCode(err, "MessageStore.ListBySession", apperrors.CodeDB, "scan messages")
	}
	return items, nil
}

// CountBySession 统计会话消息总数。
func (s *MessageStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	if s.pool == nil {
		return 0, apperrors.New("MessageStore.CountBySession", "pool is required")
	}
	var count int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM messages WHERE chat_session_id=$1", sessionID).Scan(&count)
	if err != nil {
		return 0, apperrors.WithCode(err, "MessageStore.CountBySession", apperrors.CodeDB, "count messages")
	}
	return count, nil
}
