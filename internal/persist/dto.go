// dto.go — REST 响应结构 (字段名与聊天服务一致, 会话 id 字段为 chat_session_id)。
package persist

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/multi-agent/chatstream/internal/blocks"
	"github.com/multi-agent/chatstream/internal/stream"
	"github.com/multi-agent/chatstream/pkg/util"
)

type messageListResponse struct {
	Messages []messageDTO `json:"messages"`
	Total    int          `json:"total"`
}

type messageDTO struct {
	ID            string  `json:"id"`
	ChatSessionID string  `json:"chat_session_id"`
	Role          string  `json:"role"`
	Content       string  `json:"content"`
	CreatedAt     apiTime `json:"created_at"`
}

func (m messageDTO) toMessage(sessionID string) stream.Message {
	return stream.Message{
		ID:        m.ID,
		SessionID: util.FirstNonEmpty(m.ChatSessionID, sessionID),
		Role:      stream.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Time,
	}
}

type blockListResponse struct {
	Blocks []blockDTO `json:"blocks"`
	Total  int        `json:"total"`
}

type blockDTO struct {
	ID             string         `json:"id"`
	ChatSessionID  string         `json:"chat_session_id"`
	SequenceNumber int            `json:"sequence_number"`
	BlockType      string         `json:"block_type"`
	Author         string         `json:"author"`
	Content        map[string]any `json:"content"`
	BlockMetadata  map[string]any `json:"block_metadata"`
	ParentBlockID  *string        `json:"parent_block_id"`
	CreatedAt      apiTime        `json:"created_at"`
	UpdatedAt      apiTime        `json:"updated_at"`
}

func (b blockDTO) toBlock(sessionID string) blocks.ContentBlock {
	updated := b.UpdatedAt.Time
	if updated.IsZero() {
		updated = b.CreatedAt.Time
	}
	return blocks.ContentBlock{
		ID:             b.ID,
		SessionID:      util.FirstNonEmpty(b.ChatSessionID, sessionID),
		SequenceNumber: b.SequenceNumber,
		BlockType:      blocks.BlockType(b.BlockType),
		Author:         b.Author,
		Content:        b.Content,
		Metadata:       b.BlockMetadata,
		ParentBlockID:  b.ParentBlockID,
		CreatedAt:      b.CreatedAt.Time,
		UpdatedAt:      updated,
	}
}

// apiTime 兼容带时区 (RFC3339) 与不带时区的时间戳; 无时区按 UTC 解释。
type apiTime struct{ time.Time }

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *apiTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = v
		return nil
	}
	var lastErr error
	for _, layout := range naiveLayouts {
		v, err := time.ParseInLocation(layout, raw, time.UTC)
		if err == nil {
			t.Time = v
			return nil
		}
		lastErr = err
	}
	return lastErr
}
