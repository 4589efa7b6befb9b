// Package blocks 持久化内容块模型与展示分组。
//
// 内容块的 sequence_number 反映创建顺序, updated_at 反映定稿顺序, 两者可能不一致;
// 展示顺序以 updated_at 为准, sequence_number 仅作并列时的次序。
package blocks

import (
	"sort"
	"time"
)

// BlockType 内容块类型。
type BlockType string

const (
	TypeUserText      BlockType = "user_text"
	TypeAssistantText BlockType = "assistant_text"
	TypeToolCall      BlockType = "tool_call"
	TypeToolResult    BlockType = "tool_result"
	TypeSystem        BlockType = "system"
)

// ContentBlock 一条持久化内容块。
//
// Content 按类型不同:
//   - 文本: {"text": ...}
//   - tool_call: {"tool_name", "arguments", "status"}
//   - tool_result: {"tool_name", "result", "success", "error"}
type ContentBlock struct {
	ID             string         `json:"id" db:"id"`
	SessionID      string         `json:"session_id" db:"session_id"`
	SequenceNumber int            `json:"sequence_number" db:"sequence_number"`
	BlockType      BlockType      `json:"block_type" db:"block_type"`
	Author         string         `json:"author" db:"author"`
	Content        map[string]any `json:"content" db:"content"`
	Metadata       map[string]any `json:"block_metadata,omitempty" db:"block_metadata"`
	ParentBlockID  *string        `json:"parent_block_id,omitempty" db:"parent_block_id"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`

	// Placeholder 为孤立工具块合成的空主块, 不对应任何持久化记录
	Placeholder bool `json:"placeholder,omitempty" db:"-"`
}

// Text 文本内容 (content.text)。
func (b ContentBlock) Text() string {
	s, _ := b.Content["text"].(string)
	return s
}

// ToolName 工具名 (content.tool_name)。
func (b ContentBlock) ToolName() string {
	s, _ := b.Content["tool_name"].(string)
	return s
}

// IsTool tool_call / tool_result。
func (b ContentBlock) IsTool() bool {
	return b.BlockType == TypeToolCall || b.BlockType == TypeToolResult
}

// GroupType 展示分组类型。
type GroupType string

const (
	GroupUser      GroupType = "user"
	GroupAssistant GroupType = "assistant"
)

// DisplayGroup 一个可视轮次: 用户轮, 或一段连续的助手轮 (文本与工具交错)。
type DisplayGroup struct {
	Type       GroupType      `json:"type"`
	Main       ContentBlock   `json:"main_block"`
	TextBlocks []ContentBlock `json:"text_blocks"`
	ToolBlocks []ContentBlock `json:"tool_blocks"`
}

// SortBlocks 返回按 (updated_at, sequence_number, id) 升序稳定排序的副本。
func SortBlocks(in []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.ID < b.ID
	})
	return out
}

// GroupBlocks 将无序内容块集合转换为展示顺序的分组序列。纯函数, 不修改输入。
//
//   - user_text: 结束当前助手组, 单独成组
//   - assistant_text: 并入当前助手组, 无则以其为主块新建
//   - tool_call / tool_result: 并入当前助手组的工具列表; 无当前组时合成占位主块
//   - system 及未知类型: 结束当前助手组, 以助手类型单独成组, 不与相邻文本合并
func GroupBlocks(in []ContentBlock) []DisplayGroup {
	sorted := SortBlocks(in)
	groups := make([]DisplayGroup, 0, len(sorted))
	var current *DisplayGroup

	flush := func() {
		if current != nil {
			groups = append(groups, *current)
			current = nil
		}
	}

	for _, b := range sorted {
		switch b.BlockType {
		case TypeUserText:
			flush()
			groups = append(groups, DisplayGroup{Type: GroupUser, Main: b})

		case TypeAssistantText:
			if current == nil {
				current = &DisplayGroup{Type: GroupAssistant, Main: b}
			}
			current.TextBlocks = append(current.TextBlocks, b)

		case TypeToolCall, TypeToolResult:
			if current == nil {
				current = &DisplayGroup{Type: GroupAssistant, Main: placeholderFor(b)}
			}
			current.ToolBlocks = append(current.ToolBlocks, b)

		default:
			flush()
			groups = append(groups, DisplayGroup{Type: GroupAssistant, Main: b})
		}
	}
	flush()
	return groups
}

func placeholderFor(orphan ContentBlock) ContentBlock {
	return ContentBlock{
		ID:             "placeholder-" + orphan.ID,
		SessionID:      orphan.SessionID,
		SequenceNumber: orphan.SequenceNumber - 1,
		BlockType:      TypeAssistantText,
		Author:         "assistant",
		Content:        map[string]any{},
		CreatedAt:      orphan.CreatedAt,
		UpdatedAt:      orphan.UpdatedAt,
		Placeholder:    true,
	}
}

// Flatten 将分组还原为其包含的内容块集合 (不含占位块, 按 id 去重)。
func Flatten(groups []DisplayGroup) []ContentBlock {
	seen := make(map[string]struct{})
	var out []ContentBlock
	add := func(b ContentBlock) {
		if b.Placeholder {
			return
		}
		if _, ok := seen[b.ID]; ok {
			return
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}
	for _, g := range groups {
		add(g.Main)
		for _, b := range g.TextBlocks {
			add(b)
		}
		for _, b := range g.ToolBlocks {
			add(b)
		}
	}
	return out
}
