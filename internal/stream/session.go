// session.go — 会话门面: 串联连接、分发、缓冲与协调, 对外暴露发送/取消/快照/变更通知。
//
// 所有可变状态集中在 Session 内, 由 mu 串行化: 入站帧、flush 节拍、刷新结果与
// 用户调用都在同一把锁下执行, 等价于单线程事件循环。变更通知在锁外派发。
package stream

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/chatstream/internal/blocks"
	"github.com/multi-agent/chatstream/internal/clock"
	"github.com/multi-agent/chatstream/internal/conn"
	"github.com/multi-agent/chatstream/internal/frame"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
	"github.com/samber/lo"
)

// Conn Session 依赖的连接能力, 由 conn.Manager 实现。
type Conn interface {
	Connect(onFrame func([]byte)) error
	Send(data []byte) error
	Close() error
}

// Source 持久化层协作者。
type Source interface {
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	ListBlocks(ctx context.Context, sessionID string) ([]blocks.ContentBlock, error)
}

// ChangeKind 变更类别。
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeEvents   ChangeKind = "events"
	ChangeStatus   ChangeKind = "status"
	ChangeTitle    ChangeKind = "title"
	ChangeError    ChangeKind = "error"
)

// Change 一次状态变更通知。
type Change struct {
	Kind       ChangeKind `json:"kind"`
	SessionID  string     `json:"session_id"`
	Generation uint64     `json:"generation"`
}

// Status 会话状态快照。
type Status struct {
	SessionID  string      `json:"session_id"`
	Streaming  bool        `json:"streaming"`
	TargetID   string      `json:"target_id,omitempty"`
	Generation uint64      `json:"generation"`
	Stats      Stats       `json:"stats"`
	Connection conn.Status `json:"connection"`
}

// Options Session 构造参数。
type Options struct {
	SessionID      string
	Conn           Conn
	Source         Source      // 可为 nil: 不做持久化刷新
	Clock          clock.Clock // nil → clock.Real{}
	FlushInterval  time.Duration
	RefreshTimeout time.Duration // 自动刷新超时, 默认 15s
}

// Session 单个聊天会话。
type Session struct {
	id             string
	conn           Conn
	source         Source
	clock          clock.Clock
	refreshTimeout time.Duration
	dispatcher     *Dispatcher
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	acc        *Accumulator
	rec        *Reconciler
	eventLog   []StreamEvent
	title      string
	lastErr    string
	connStatus conn.Status
	pending    []ChangeKind

	listenersMu sync.RWMutex
	listeners   []func(Change)
}

// NewSession 创建会话。调用 Start 后开始接收帧。
func NewSession(opts Options) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             opts.SessionID,
		conn:           opts.Conn,
		source:         opts.Source,
		clock:          clk,
		refreshTimeout: refreshTimeout,
		log:            logger.With(logger.FieldComponent, "session", logger.FieldSessionID, opts.SessionID),
		ctx:            ctx,
		cancel:         cancel,
		acc:            NewAccumulator(clk, opts.FlushInterval),
		rec:            NewReconciler(opts.SessionID),
	}
	s.dispatcher = NewDispatcher(opts.SessionID, s)
	if m, ok := opts.Conn.(interface {
		OnStateChange(func(conn.State, conn.Status))
	}); ok {
		m.OnStateChange(s.connectionChanged)
	}
	return s
}

// ID 会话 id。
func (s *Session) ID() string { return s.id }

// Start 建立连接, 入站帧交给分发器。首次拨号失败时连接层会自动重试。
func (s *Session) Start() error {
	if s.conn == nil {
		return apperrors.Newf("Session.Start", "session %s: no connection configured", s.id)
	}
	return s.conn.Connect(s.dispatcher.Dispatch)
}

// Dispatch 直接注入一个原始入站负载 (测试与回放使用)。
func (s *Session) Dispatch(raw []byte) { s.dispatcher.Dispatch(raw) }

// Close 停止 flush 节拍并关闭连接。
func (s *Session) Close() error {
	s.mu.Lock()
	s.acc.Stop()
	s.mu.Unlock()
	s.cancel()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// OnChange 注册变更监听。回调在锁外同步执行, 不应阻塞。
func (s *Session) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// ========================================
// 用户操作
// ========================================

// SendMessage 乐观追加用户消息并发送。与连接状态无关: 断线时帧进入出站队列。
func (s *Session) SendMessage(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, apperrors.Wrap(apperrors.ErrInvalidInput, "Session.SendMessage", "empty message")
	}
	data, err := frame.Message(text).Encode()
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	msg := s.rec.AddUserMessage(text, s.clock.Now())
	s.markLocked(ChangeMessages)
	if s.lastErr != "" {
		s.lastErr = ""
		s.markLocked(ChangeError)
	}
	s.unlockAndNotify()

	if s.conn == nil {
		return msg, apperrors.New("Session.SendMessage", "no connection configured")
	}
	if err := s.conn.Send(data); err != nil {
		s.mu.Lock()
		s.setErrorLocked(err.Error())
		s.unlockAndNotify()
		return msg, apperrors.Wrap(err, "Session.SendMessage", "send")
	}
	return msg, nil
}

// CancelStream 请求取消当前流。仅为建议: 本地立即 flush 缓冲避免截断,
// 但保持流式状态直到服务端回复 cancelled/error。
func (s *Session) CancelStream() error {
	s.mu.Lock()
	if s.rec.Streaming() {
		s.flushLocked()
	}
	s.unlockAndNotify()

	if s.conn == nil {
		return apperrors.New("Session.CancelStream", "no connection configured")
	}
	data, err := frame.Cancel().Encode()
	if err != nil {
		return err
	}
	if err := s.conn.Send(data); err != nil {
		return apperrors.Wrap(err, "Session.CancelStream", "send cancel")
	}
	return nil
}

// Refresh 从持久化层拉取消息列表并替换本地列表。
// 流式进行中, 或请求期间开始了新的流, 结果被丢弃 (返回 nil)。
func (s *Session) Refresh(ctx context.Context) error {
	if s.source == nil {
		return apperrors.New("Session.Refresh", "no persistence source configured")
	}
	s.mu.Lock()
	gen := s.rec.Generation()
	s.mu.Unlock()

	msgs, err := s.source.ListMessages(ctx, s.id)
	if err != nil {
		return apperrors.Wrap(err, "Session.Refresh", "list messages")
	}

	s.mu.Lock()
	applied, changed := s.rec.ReplaceFromPersisted(msgs, gen)
	if changed {
		s.markLocked(ChangeMessages)
	}
	s.unlockAndNotify()

	if !applied {
		s.log.Debug("stream: skipped stale refresh", logger.FieldGeneration, gen)
	}
	return nil
}

// Groups 拉取内容块并计算展示分组。
func (s *Session) Groups(ctx context.Context) ([]blocks.DisplayGroup, error) {
	if s.source == nil {
		return nil, apperrors.New("Session.Groups", "no persistence source configured")
	}
	bs, err := s.source.ListBlocks(ctx, s.id)
	if err != nil {
		return nil, apperrors.Wrap(err, "Session.Groups", "list blocks")
	}
	return blocks.GroupBlocks(bs), nil
}

// ========================================
// 快照
// ========================================

// Messages 消息列表副本。
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Messages()
}

// Events 流事件日志副本。
func (s *Session) Events() []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.eventLog, func(ev StreamEvent, _ int) StreamEvent { return ev.clone() })
}

// Status 会话状态。
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:  s.id,
		Streaming:  s.rec.Streaming(),
		TargetID:   s.rec.TargetID(),
		Generation: s.rec.Generation(),
		Stats:      s.acc.Stats(),
		Connection: s.connStatus,
	}
}

// Title 会话标题。
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// LastError 最近一次用户可见错误, 无则为空。
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ========================================
// Sink 实现 (由 Dispatcher 调用)
// ========================================

// StreamStarted 新的助手消息开始。
func (s *Session) StreamStarted(messageID string) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.rec.Streaming() {
		// 上一条流未收到 end 就开始了新流: 先把残余缓冲交给旧目标
		s.acc.Stop()
		s.flushLocked()
		s.rec.End()
	}
	id := s.rec.Start(messageID, s.clock.Now())
	gen := s.rec.Generation()
	s.acc.Start(gen, s.tick)
	if len(s.eventLog) > 0 {
		s.eventLog = nil
		s.markLocked(ChangeEvents)
	}
	if s.lastErr != "" {
		s.lastErr = ""
		s.markLocked(ChangeError)
	}
	s.markLocked(ChangeMessages, ChangeStatus)
	s.log.Info("stream: started", logger.FieldMessageID, id, logger.FieldGeneration, gen)
}

// StreamResumed 重连后接续进行中的流。
func (s *Session) StreamResumed(messageID string) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	if s.rec.Streaming() {
		s.acc.Stop()
		s.flushLocked()
	}
	id, outcome := s.rec.Resume(messageID, s.clock.Now())
	gen := s.rec.Generation()
	s.acc.Start(gen, s.tick)
	if outcome != ResumeReused {
		s.markLocked(ChangeMessages)
	}
	s.markLocked(ChangeStatus)
	s.log.Info("stream: resumed",
		logger.FieldMessageID, id,
		logger.FieldGeneration, gen,
		"outcome", outcome.String(),
	)
}

// ChunkReceived 文本增量。
func (s *Session) ChunkReceived(content string) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.acc.AddChunk(content)
	s.acc.AddEvent(StreamEvent{Type: frame.KindChunk, Content: content})
	if !s.rec.Streaming() {
		// 无活动流时不会有节拍, 立即并入避免片段滞留
		s.flushLocked()
	}
}

// EventReceived 工具生命周期事件。
func (s *Session) EventReceived(ev StreamEvent) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	s.acc.AddEvent(ev)
	if !s.rec.Streaming() {
		s.flushLocked()
	}
}

// ActionFinalized 工具参数定稿, 清除此前的部分参数渲染。
func (s *Session) ActionFinalized(ev StreamEvent) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	purged := s.acc.PurgeArgsChunks(ev.Tool)
	before := len(s.eventLog)
	s.eventLog = purgeArgsChunks(s.eventLog, ev.Tool)
	if len(s.eventLog) != before {
		s.markLocked(ChangeEvents)
	}
	if n := purged + before - len(s.eventLog); n > 0 {
		s.log.Debug("stream: purged partial args", logger.FieldTool, ev.Tool, logger.FieldCount, n)
	}
	s.acc.AddEvent(ev)
	if !s.rec.Streaming() {
		s.flushLocked()
	}
}

// StreamEnded 正常结束: 同步 flush, 清空事件日志, 请求持久化刷新。
func (s *Session) StreamEnded() {
	s.mu.Lock()
	s.flushLocked()
	stats := s.acc.Finish()
	wasStreaming := s.rec.Streaming()
	target := s.rec.TargetID()
	s.rec.End()
	gen := s.rec.Generation()
	if len(s.eventLog) > 0 {
		s.eventLog = nil
		s.markLocked(ChangeEvents)
	}
	s.markLocked(ChangeStatus)
	s.unlockAndNotify()

	if wasStreaming {
		s.log.Info("stream: ended",
			logger.FieldMessageID, target,
			logger.FieldGeneration, gen,
			logger.FieldChunks, stats.ChunkCount,
			logger.FieldBytes, stats.TotalBytes,
			logger.FieldDurationMS, stats.Duration().Milliseconds(),
		)
	}
	s.refreshAsync("end")
}

// StreamCancelled 服务端确认取消。
func (s *Session) StreamCancelled() {
	s.mu.Lock()
	defer s.unlockAndNotify()
	s.terminateLocked()
	s.log.Info("stream: cancelled", logger.FieldGeneration, s.rec.Generation())
}

// StreamFailed 应用级错误: flush 后结束流, 错误对用户可见。
func (s *Session) StreamFailed(message string) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	s.terminateLocked()
	if message == "" {
		message = "unknown error"
	}
	s.setErrorLocked(message)
	s.log.Warn("stream: server error", logger.FieldError, message)
}

// TitleUpdated 会话标题变更。
func (s *Session) TitleUpdated(title string) {
	s.mu.Lock()
	changed := s.title != title
	s.title = title
	if changed {
		s.markLocked(ChangeTitle)
	}
	s.unlockAndNotify()
	if changed {
		s.refreshAsync("title_updated")
	}
}

// UserMessageSaved 用户消息已持久化。
func (s *Session) UserMessageSaved(messageID string) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.rec.ConfirmUserMessage(messageID) {
		s.markLocked(ChangeMessages)
	}
}

// CancelAcknowledged 服务端已收到取消请求, 等待 cancelled。
func (s *Session) CancelAcknowledged() {
	s.log.Debug("stream: cancel acknowledged")
}

// ========================================
// 内部
// ========================================

// tick flush 节拍回调。携带的 gen 过期或流已结束时忽略。
func (s *Session) tick(gen uint64) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if !s.rec.Streaming() || s.rec.Generation() != gen {
		return
	}
	s.flushLocked()
}

// flushLocked 将缓冲并入消息列表与事件日志。缓冲为空时无副作用。
func (s *Session) flushLocked() {
	text, events, ok := s.acc.Drain()
	if !ok {
		return
	}
	if text != "" {
		id, fallback, appended := s.rec.Append(text)
		switch {
		case !appended:
			s.acc.NoteDropped()
			s.log.Warn("stream: no assistant message for fragment, dropped",
				logger.FieldTargetID, s.rec.TargetID(),
				logger.FieldBytes, len(text),
			)
		case fallback:
			s.log.Warn("stream: target message missing, appended to last assistant message",
				logger.FieldTargetID, s.rec.TargetID(),
				logger.FieldMessageID, id,
			)
			s.markLocked(ChangeMessages)
		default:
			s.markLocked(ChangeMessages)
		}
	}
	if len(events) > 0 {
		s.eventLog = append(s.eventLog, events...)
		s.markLocked(ChangeEvents)
	}
}

// terminateLocked cancelled/error 共用: best-effort flush 后退出流式状态。
func (s *Session) terminateLocked() {
	s.flushLocked()
	s.acc.Finish()
	if s.rec.Streaming() {
		s.rec.Cancel()
		s.markLocked(ChangeStatus)
	}
}

func (s *Session) setErrorLocked(message string) {
	if s.lastErr == message {
		return
	}
	s.lastErr = message
	s.markLocked(ChangeError)
}

func (s *Session) connectionChanged(_ conn.State, st conn.Status) {
	s.mu.Lock()
	s.connStatus = st
	s.markLocked(ChangeStatus)
	s.unlockAndNotify()
}

// refreshAsync 后台刷新持久化列表。
func (s *Session) refreshAsync(trigger string) {
	if s.source == nil {
		return
	}
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.refreshTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("stream: persisted refresh failed", logger.FieldTrigger, trigger, logger.FieldError, err)
		}
	})
}

func (s *Session) markLocked(kinds ...ChangeKind) {
	for _, k := range kinds {
		if !slices.Contains(s.pending, k) {
			s.pending = append(s.pending, k)
		}
	}
}

// unlockAndNotify 释放锁并派发本轮累积的变更。
func (s *Session) unlockAndNotify() {
	kinds := s.pending
	s.pending = nil
	gen := s.rec.Generation()
	s.mu.Unlock()

	if len(kinds) == 0 {
		return
	}
	s.listenersMu.RLock()
	listeners := append([]func(Change){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, k := range kinds {
		c := Change{Kind: k, SessionID: s.id, Generation: gen}
		for _, fn := range listeners {
			fn(c)
		}
	}
}
