// reconciler.go — 消息状态协调: 维护消息列表, 解析文本片段归属的目标消息。
package stream

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role 消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	tempIDPrefix  = "temp-"
	localIDPrefix = "local-"
)

// Message 会话中的一条消息。
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	// Pending 乐观插入、尚未确认持久化的用户消息
	Pending bool `json:"pending,omitempty"`
}

// Reconciler 消息列表 + 流式状态机 (Idle → Streaming → Idle)。
//
// 每次 Start/Resume 递增 generation; 携带旧 generation 的 flush 与刷新结果一律丢弃,
// 保证同一时刻只有一条活动流。不自带锁, 由 Session 串行调用。
type Reconciler struct {
	sessionID  string
	messages   []Message
	targetID   string
	streaming  bool
	generation uint64
	// saved 已由服务端确认、但尚未出现在持久化列表中的用户消息 id
	saved map[string]struct{}
}

// NewReconciler 创建空的 Reconciler。
func NewReconciler(sessionID string) *Reconciler {
	return &Reconciler{sessionID: sessionID}
}

// Streaming 是否处于流式状态。
func (r *Reconciler) Streaming() bool { return r.streaming }

// Generation 当前流代数。
func (r *Reconciler) Generation() uint64 { return r.generation }

// TargetID 当前追踪的目标消息 id。
func (r *Reconciler) TargetID() string { return r.targetID }

// Messages 消息列表副本。
func (r *Reconciler) Messages() []Message { return slices.Clone(r.messages) }

// Start 新建空助手消息并设为目标。serverID 为空时使用本地占位 id。
func (r *Reconciler) Start(serverID string, now time.Time) string {
	r.generation++
	id := serverID
	if id == "" {
		id = localIDPrefix + uuid.NewString()
	}
	r.messages = append(r.messages, Message{
		ID:        id,
		SessionID: r.sessionID,
		Role:      RoleAssistant,
		CreatedAt: now,
	})
	r.targetID = id
	r.streaming = true
	return id
}

// ResumeOutcome Resume 的解析结果。
type ResumeOutcome int

const (
	ResumeReused  ResumeOutcome = iota // 已存在同 id 消息
	ResumeAdopted                      // 末尾空助手消息改标为服务端 id
	ResumeCreated                      // 新建助手消息
)

func (o ResumeOutcome) String() string {
	switch o {
	case ResumeReused:
		return "reused"
	case ResumeAdopted:
		return "adopted"
	default:
		return "created"
	}
}

// Resume 重连后接续流。解析顺序:
//  1. 已存在 serverID 消息 → 复用
//  2. 末尾消息是空内容的助手消息 → 改标为 serverID, 避免重复空气泡
//  3. 新建助手消息
func (r *Reconciler) Resume(serverID string, now time.Time) (string, ResumeOutcome) {
	r.generation++
	r.streaming = true

	if serverID != "" {
		if idx := r.indexOf(serverID); idx >= 0 {
			r.targetID = serverID
			return serverID, ResumeReused
		}
	}
	if n := len(r.messages); n > 0 {
		last := &r.messages[n-1]
		if last.Role == RoleAssistant && last.Content == "" {
			if serverID != "" {
				last.ID = serverID
			}
			r.targetID = last.ID
			return last.ID, ResumeAdopted
		}
	}

	id := serverID
	if id == "" {
		id = localIDPrefix + uuid.NewString()
	}
	r.messages = append(r.messages, Message{
		ID:        id,
		SessionID: r.sessionID,
		Role:      RoleAssistant,
		CreatedAt: now,
	})
	r.targetID = id
	return id, ResumeCreated
}

// Append 将文本追加到目标消息。
//
// 优先按追踪 id 查找, 找不到时回退到最近一条助手消息 (fallback=true);
// 没有任何助手消息时返回 ok=false, 调用方丢弃该片段。
func (r *Reconciler) Append(text string) (id string, fallback bool, ok bool) {
	if text == "" {
		return "", false, false
	}
	idx := -1
	if r.targetID != "" {
		idx = r.indexOf(r.targetID)
	}
	if idx < 0 {
		idx = r.lastAssistantIndex()
		fallback = true
	}
	if idx < 0 {
		return "", fallback, false
	}
	r.messages[idx].Content += text
	return r.messages[idx].ID, fallback, true
}

// End 正常结束: 清空目标, 退出流式状态。
func (r *Reconciler) End() {
	r.targetID = ""
	r.streaming = false
}

// Cancel 取消/出错结束。与 End 相同, 但不请求续写。
func (r *Reconciler) Cancel() {
	r.targetID = ""
	r.streaming = false
}

// AddUserMessage 乐观追加用户消息 (temp- 前缀临时 id)。
func (r *Reconciler) AddUserMessage(text string, now time.Time) Message {
	msg := Message{
		ID:        tempIDPrefix + uuid.NewString(),
		SessionID: r.sessionID,
		Role:      RoleUser,
		Content:   text,
		CreatedAt: now,
		Pending:   true,
	}
	r.messages = append(r.messages, msg)
	return msg
}

// ConfirmUserMessage 将最早一条待确认的用户消息标记为已持久化。
// serverID 非空时同时替换临时 id。
func (r *Reconciler) ConfirmUserMessage(serverID string) bool {
	for i := range r.messages {
		m := &r.messages[i]
		if m.Role != RoleUser || !m.Pending {
			continue
		}
		m.Pending = false
		if serverID != "" {
			m.ID = serverID
		}
		if r.saved == nil {
			r.saved = make(map[string]struct{})
		}
		r.saved[m.ID] = struct{}{}
		return true
	}
	return false
}

// ReplaceFromPersisted 用持久化列表替换本地列表。
//
// 流式进行中或 gen 已过期时跳过 (applied=false)。尚未出现在持久化列表中的
// 乐观用户消息 (含已确认保存的) 保留在末尾。仅当列表确有变化时 changed=true。
func (r *Reconciler) ReplaceFromPersisted(persisted []Message, gen uint64) (applied, changed bool) {
	if r.streaming || gen != r.generation {
		return false, false
	}

	persistedIDs := make(map[string]struct{}, len(persisted))
	for _, m := range persisted {
		persistedIDs[m.ID] = struct{}{}
	}
	known := make(map[string]struct{}, len(r.messages))
	for _, m := range r.messages {
		if !m.Pending {
			known[m.ID] = struct{}{}
		}
	}
	// 新出现的持久化用户消息可抵消同内容的乐观消息
	fresh := make(map[string]int)
	for _, m := range persisted {
		if m.Role != RoleUser {
			continue
		}
		if _, ok := known[m.ID]; ok {
			continue
		}
		fresh[m.Content]++
	}

	next := slices.Clone(persisted)
	for _, m := range r.messages {
		if m.Role != RoleUser {
			continue
		}
		_, saved := r.saved[m.ID]
		if !m.Pending && !saved {
			continue
		}
		if _, ok := persistedIDs[m.ID]; ok && saved {
			delete(r.saved, m.ID)
			continue
		}
		if fresh[m.Content] > 0 {
			fresh[m.Content]--
			delete(r.saved, m.ID)
			continue
		}
		next = append(next, m)
	}

	if slices.Equal(next, r.messages) {
		return true, false
	}
	r.messages = next
	return true, true
}

func (r *Reconciler) indexOf(id string) int {
	return slices.IndexFunc(r.messages, func(m Message) bool { return m.ID == id })
}

func (r *Reconciler) lastAssistantIndex() int {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}
