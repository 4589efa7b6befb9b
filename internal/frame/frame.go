// Package frame 定义流式连接上的帧协议。
//
// 入站帧是一个封闭的 tagged union: 每种 type 对应一个结构体, 都实现 Inbound。
// 新增帧类型时需在 Decode 的 kind 表中登记; 未登记的 type 解码为 Unknown,
// 由分发器记录告警后忽略 (向前兼容)。
//
// 出站帧只有两种: {"type":"message","content":...} 与 {"type":"cancel"}。
package frame

import (
	"encoding/json"
	"strings"

	apperrors "github.com/multi-agent/chatstream/pkg/errors"
)

// Kind 帧类型标签。
type Kind string

const (
	KindStart              Kind = "start"
	KindChunk              Kind = "chunk"
	KindActionStreaming    Kind = "action_streaming"
	KindActionArgsChunk    Kind = "action_args_chunk"
	KindAction             Kind = "action"
	KindObservation        Kind = "observation"
	KindEnd                Kind = "end"
	KindCancelled          Kind = "cancelled"
	KindError              Kind = "error"
	KindTitleUpdated       Kind = "title_updated"
	KindHeartbeat          Kind = "heartbeat"
	KindResumingStream     Kind = "resuming_stream"
	KindUserMessageSaved   Kind = "user_message_saved"
	KindCancelAcknowledged Kind = "cancel_acknowledged"
)

// Inbound 入站帧。isInbound 未导出, 包外无法扩展该 union。
type Inbound interface {
	Kind() Kind
	isInbound()
}

// Start 助手开始输出新消息。
type Start struct {
	MessageID string `json:"message_id,omitempty"`
}

// Chunk 文本增量。
type Chunk struct {
	Content string `json:"content"`
}

// ActionStreaming 工具调用开始 (参数尚在生成)。
type ActionStreaming struct {
	Tool   string `json:"tool"`
	Status string `json:"status,omitempty"`
	Step   int    `json:"step,omitempty"`
}

// ActionArgsChunk 工具参数的部分渲染, 被随后的 Action 取代。
type ActionArgsChunk struct {
	Tool        string `json:"tool"`
	PartialArgs string `json:"partial_args"`
	Step        int    `json:"step,omitempty"`
}

// Action 工具调用参数定稿。
type Action struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
	Step int             `json:"step,omitempty"`
}

// Observation 工具执行结果。
type Observation struct {
	Content  string         `json:"content"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Step     int            `json:"step,omitempty"`
}

// End 流正常结束。
type End struct {
	MessageID string `json:"message_id,omitempty"`
}

// Cancelled 服务端确认流已取消。
type Cancelled struct {
	MessageID string `json:"message_id,omitempty"`
}

// Error 应用级错误。文本来自 content, 其次 message。
type Error struct {
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// TitleUpdated 会话标题更新。
type TitleUpdated struct {
	Title string `json:"title"`
}

// Heartbeat 纯保活, 无状态影响。
type Heartbeat struct{}

// ResumingStream 重连后接续进行中的流。
type ResumingStream struct {
	MessageID string `json:"message_id,omitempty"`
}

// UserMessageSaved 用户消息已持久化。
type UserMessageSaved struct {
	MessageID string `json:"message_id,omitempty"`
}

// CancelAcknowledged 服务端已收到取消请求。
type CancelAcknowledged struct{}

// Unknown 未登记的帧类型, 保留原始负载。
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Start) Kind() Kind              { return KindStart }
func (Chunk) Kind() Kind              { return KindChunk }
func (ActionStreaming) Kind() Kind    { return KindActionStreaming }
func (ActionArgsChunk) Kind() Kind    { return KindActionArgsChunk }
func (Action) Kind() Kind             { return KindAction }
func (Observation) Kind() Kind        { return KindObservation }
func (End) Kind() Kind                { return KindEnd }
func (Cancelled) Kind() Kind          { return KindCancelled }
func (Error) Kind() Kind              { return KindError }
func (TitleUpdated) Kind() Kind       { return KindTitleUpdated }
func (Heartbeat) Kind() Kind          { return KindHeartbeat }
func (ResumingStream) Kind() Kind     { return KindResumingStream }
func (UserMessageSaved) Kind() Kind   { return KindUserMessageSaved }
func (CancelAcknowledged) Kind() Kind { return KindCancelAcknowledged }
func (u Unknown) Kind() Kind          { return Kind(u.Type) }

func (Start) isInbound()              {}
func (Chunk) isInbound()              {}
func (ActionStreaming) isInbound()    {}
func (ActionArgsChunk) isInbound()    {}
func (Action) isInbound()             {}
func (Observation) isInbound()        {}
func (End) isInbound()                {}
func (Cancelled) isInbound()          {}
func (Error) isInbound()              {}
func (TitleUpdated) isInbound()       {}
func (Heartbeat) isInbound()          {}
func (ResumingStream) isInbound()     {}
func (UserMessageSaved) isInbound()   {}
func (CancelAcknowledged) isInbound() {}
func (Unknown) isInbound()            {}

// Text 返回错误文本 (content 优先)。
func (e Error) Text() string {
	if s := strings.TrimSpace(e.Content); s != "" {
		return s
	}
	return strings.TrimSpace(e.Message)
}

// IsNoActiveTask 是否为 "no active task" 类良性错误 (无活动流时探测状态的预期竞态)。
func (e Error) IsNoActiveTask() bool {
	return strings.Contains(strings.ToLower(e.Text()), "no active task")
}

// ArgsMap 将 Args 解码为 map, 非对象时返回 nil。
func (a Action) ArgsMap() map[string]any {
	if len(a.Args) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(a.Args, &m); err != nil {
		return nil
	}
	return m
}

// ========================================
// 解码
// ========================================

type envelope struct {
	Type string `json:"type"`
}

// decoders kind → 解码函数。
var decoders = map[Kind]func([]byte) (Inbound, error){
	KindStart:              decodeAs[Start],
	KindChunk:              decodeAs[Chunk],
	KindActionStreaming:    decodeAs[ActionStreaming],
	KindActionArgsChunk:    decodeAs[ActionArgsChunk],
	KindAction:             decodeAs[Action],
	KindObservation:        decodeAs[Observation],
	KindEnd:                decodeAs[End],
	KindCancelled:          decodeAs[Cancelled],
	KindError:              decodeAs[Error],
	KindTitleUpdated:       decodeAs[TitleUpdated],
	KindHeartbeat:          decodeAs[Heartbeat],
	KindResumingStream:     decodeAs[ResumingStream],
	KindUserMessageSaved:   decodeAs[UserMessageSaved],
	KindCancelAcknowledged: decodeAs[CancelAcknowledged],
}

func decodeAs[T Inbound](raw []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode 解析一个入站负载。
//
// 非 JSON 对象或缺少 type 字段 → ErrMalformedFrame;
// 已知 type 但字段类型不符 → ErrMalformedFrame;
// 未知 type → Unknown (不报错)。
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.WithCode(
			apperrors.Wrap(apperrors.ErrMalformedFrame, "frame.Decode", err.Error()),
			"frame.Decode", apperrors.CodeProtocol, "decode envelope")
	}
	kind := Kind(strings.TrimSpace(env.Type))
	if kind == "" {
		return nil, apperrors.WithCode(apperrors.ErrMalformedFrame, "frame.Decode", apperrors.CodeProtocol, "missing type")
	}
	decode, ok := decoders[kind]
	if !ok {
		return Unknown{Type: string(kind), Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	f, err := decode(raw)
	if err != nil {
		return nil, apperrors.WithCode(
			apperrors.Wrap(apperrors.ErrMalformedFrame, "frame.Decode", err.Error()),
			"frame.Decode", apperrors.CodeProtocol, "decode "+string(kind))
	}
	return f, nil
}

// ========================================
// 出站帧
// ========================================

// Outbound 出站帧。
type Outbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Message 提交用户文本。
func Message(content string) Outbound { return Outbound{Type: "message", Content: content} }

// Cancel 请求取消当前流。
func Cancel() Outbound { return Outbound{Type: "cancel"} }

// Encode 序列化为 JSON。
func (o Outbound) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, apperrors.Wrap(err, "frame.Encode", o.Type)
	}
	return data, nil
}
