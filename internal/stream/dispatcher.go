// dispatcher.go — 入站帧分发: 解码 + 按帧类型路由到 Sink, 自身不持有展示状态。
package stream

import (
	"log/slog"

	"github.com/multi-agent/chatstream/internal/frame"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

// Sink 接收分类后的帧。Session 是唯一的生产实现。
type Sink interface {
	StreamStarted(messageID string)
	StreamResumed(messageID string)
	ChunkReceived(content string)
	EventReceived(ev StreamEvent)
	// ActionFinalized 工具参数定稿: 先清除同一工具的 action_args_chunk, 再记录事件
	ActionFinalized(ev StreamEvent)
	StreamEnded()
	StreamCancelled()
	StreamFailed(message string)
	TitleUpdated(title string)
	UserMessageSaved(messageID string)
	CancelAcknowledged()
}

// Dispatcher 帧分发器。
type Dispatcher struct {
	sink Sink
	log  *slog.Logger
}

// NewDispatcher 创建分发器。
func NewDispatcher(sessionID string, sink Sink) *Dispatcher {
	return &Dispatcher{
		sink: sink,
		log:  logger.With(logger.FieldComponent, "dispatcher", logger.FieldSessionID, sessionID),
	}
}

// Dispatch 处理一个原始入站负载。解码失败只记录日志并丢弃。
func (d *Dispatcher) Dispatch(raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		d.log.Warn("stream: dropping malformed frame",
			logger.FieldError, err,
			logger.FieldLen, len(raw),
			logger.FieldRaw, util.Truncate(string(raw), 200),
		)
		return
	}
	d.Route(f)
}

// Route 按类型路由已解码的帧。
func (d *Dispatcher) Route(f frame.Inbound) {
	switch v := f.(type) {
	case frame.Start:
		d.sink.StreamStarted(v.MessageID)
	case frame.ResumingStream:
		d.sink.StreamResumed(v.MessageID)
	case frame.Chunk:
		d.sink.ChunkReceived(v.Content)
	case frame.ActionStreaming:
		d.sink.EventReceived(StreamEvent{Type: v.Kind(), Tool: v.Tool, Status: v.Status, Step: v.Step})
	case frame.ActionArgsChunk:
		d.sink.EventReceived(StreamEvent{Type: v.Kind(), Tool: v.Tool, Content: v.PartialArgs, Step: v.Step})
	case frame.Action:
		d.sink.ActionFinalized(StreamEvent{Type: v.Kind(), Tool: v.Tool, Args: v.Args, Step: v.Step})
	case frame.Observation:
		success := v.Success
		d.sink.EventReceived(StreamEvent{
			Type:     v.Kind(),
			Content:  v.Content,
			Success:  &success,
			Metadata: v.Metadata,
			Step:     v.Step,
		})
	case frame.End:
		d.sink.StreamEnded()
	case frame.Cancelled:
		d.sink.StreamCancelled()
	case frame.Error:
		if v.IsNoActiveTask() {
			d.log.Debug("stream: suppressed benign error", logger.FieldError, v.Text())
			return
		}
		d.sink.StreamFailed(v.Text())
	case frame.TitleUpdated:
		d.sink.TitleUpdated(v.Title)
	case frame.UserMessageSaved:
		d.sink.UserMessageSaved(v.MessageID)
	case frame.CancelAcknowledged:
		d.sink.CancelAcknowledged()
	case frame.Heartbeat:
	case frame.Unknown:
		d.log.Warn("stream: ignoring unknown frame type",
			logger.FieldFrameType, v.Type,
			logger.FieldRaw, util.Truncate(string(v.Raw), 200),
		)
	default:
		d.log.Warn("stream: unhandled frame", logger.FieldFrameType, string(f.Kind()))
	}
}
