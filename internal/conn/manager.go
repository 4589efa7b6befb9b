// manager.go — 会话级连接管理: 连接、退避重连、出站队列。
//
// 所有状态由 mu 保护; 拨号与入站回调在锁外执行。
// 重连定时器来自 clock.Clock, 测试中用 clock.Fake 确定性推进。
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/multi-agent/chatstream/internal/clock"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

// Options Manager 构造参数。
type Options struct {
	SessionID string
	URL       string
	Dialer    Dialer
	Clock     clock.Clock // nil → clock.Real{}

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Manager 维护单个会话的一条双工连接。
type Manager struct {
	sessionID string
	url       string
	dialer    Dialer
	clock     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	machine   Machine
	transport Transport
	epoch     uint64 // 每次替换 transport 递增, 用于丢弃过期 readLoop 的回调
	onFrame   func([]byte)
	queue     [][]byte
	retry     clock.Timer
	lastErr   string

	observersMu sync.RWMutex
	observers   []func(State, Status)
}

// New 创建 Manager。不会立即拨号, 需调用 Connect。
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessionID: opts.SessionID,
		url:       opts.URL,
		dialer:    opts.Dialer,
		clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
		machine: Machine{
			State:       StateDisconnected,
			MaxAttempts: opts.MaxAttempts,
			BaseDelay:   opts.BaseDelay,
			MaxDelay:    opts.MaxDelay,
		},
	}
}

// Connect 建立连接, 入站负载原样交给 onFrame。
//
// 连接中/已连接/等待重连时为 no-op; 重连耗尽后再次调用会从头开始重试。
// 首次拨号失败时返回错误, 同时已调度重连。
func (m *Manager) Connect(onFrame func([]byte)) error {
	m.mu.Lock()
	if m.machine.State == StateClosed {
		m.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrClosed, "Manager.Connect", m.sessionID)
	}
	if onFrame != nil {
		m.onFrame = onFrame
	}
	if !m.machine.OnConnect() {
		m.mu.Unlock()
		return nil
	}
	st := m.statusLocked()
	m.mu.Unlock()

	m.emit(st)
	return m.dial("connect")
}

// Send 发送一帧。已连接时立即写出; 否则入队并触发重连。
// 仅在 Close 之后返回错误 (ErrClosed)。
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	switch m.machine.State {
	case StateClosed:
		m.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrClosed, "Manager.Send", m.sessionID)

	case StateOpen:
		err := m.transport.WriteMessage(data)
		if err == nil {
			m.mu.Unlock()
			return nil
		}
		m.queue = append(m.queue, data)
		m.dropTransportLocked()
		m.failLocked("write", err)

	default:
		m.queue = append(m.queue, data)
		logger.Debug("conn: frame queued",
			logger.FieldSessionID, m.sessionID,
			logger.FieldState, m.machine.State.String(),
			logger.FieldQueued, len(m.queue),
		)
		if m.onFrame != nil && m.machine.OnConnect() {
			m.retry = m.clock.AfterFunc(0, func() { _ = m.dial("send") })
		}
	}
	st := m.statusLocked()
	m.mu.Unlock()

	m.emit(st)
	return nil
}

// Close 关闭连接并取消待执行的重连。可重复调用, 不会触发重连。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.machine.State == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.machine.OnClose()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.dropTransportLocked()
	dropped := len(m.queue)
	m.queue = nil
	st := m.statusLocked()
	m.mu.Unlock()

	m.cancel()
	logger.Info("conn: closed",
		logger.FieldSessionID, m.sessionID,
		logger.FieldQueued, dropped,
	)
	m.emit(st)
	return nil
}

// IsConnected 当前是否可直接写出。
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State == StateOpen
}

// State 当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State
}

// Status 当前状态快照。
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// OnStateChange 注册状态观察者。回调在锁外同步执行。
func (m *Manager) OnStateChange(fn func(State, Status)) {
	if fn == nil {
		return
	}
	m.observersMu.Lock()
	m.observers = append(m.observers, fn)
	m.observersMu.Unlock()
}

// ========================================
// 内部: 拨号 / 读循环 / 失败处理
// ========================================

// dial 在锁外拨号, 成功后按 FIFO 顺序排空出站队列。
func (m *Manager) dial(trigger string) error {
	t, err := m.dialer.Dial(m.ctx, m.url)

	m.mu.Lock()
	if m.machine.State != StateConnecting {
		// 拨号期间被 Close
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return apperrors.Wrap(apperrors.ErrClosed, "Manager.dial", m.sessionID)
	}
	if err != nil {
		m.failLocked(trigger, err)
		st := m.statusLocked()
		m.mu.Unlock()
		m.emit(st)
		return apperrors.WithCode(err, "Manager.dial", apperrors.CodeTransport, trigger)
	}

	m.epoch++
	epoch := m.epoch
	m.transport = t
	m.retry = nil
	m.lastErr = ""
	m.machine.OnOpened()
	logger.Info("conn: connected",
		logger.FieldSessionID, m.sessionID,
		logger.FieldTrigger, trigger,
		logger.FieldQueued, len(m.queue),
	)

	drainErr := m.drainLocked()
	if drainErr != nil {
		m.dropTransportLocked()
		m.failLocked("drain", drainErr)
	}
	st := m.statusLocked()
	m.mu.Unlock()

	if drainErr == nil {
		util.SafeGo(func() { m.readLoop(t, epoch) })
	}
	m.emit(st)
	return nil
}

// drainLocked 依次写出队列; 写失败的帧及其后续帧保留在队首。
func (m *Manager) drainLocked() error {
	pending := m.queue
	m.queue = nil
	for i, data := range pending {
		if err := m.transport.WriteMessage(data); err != nil {
			m.queue = append(pending[i:len(pending):len(pending)], m.queue...)
			return err
		}
	}
	if len(pending) > 0 {
		logger.Debug("conn: outbound queue drained",
			logger.FieldSessionID, m.sessionID,
			logger.FieldCount, len(pending),
		)
	}
	return nil
}

func (m *Manager) readLoop(t Transport, epoch uint64) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleReadError(epoch, err)
			return
		}
		m.mu.Lock()
		current := m.epoch == epoch && m.machine.State == StateOpen
		onFrame := m.onFrame
		m.mu.Unlock()
		if !current {
			return
		}
		if onFrame != nil {
			onFrame(data)
		}
	}
}

func (m *Manager) handleReadError(epoch uint64, err error) {
	m.mu.Lock()
	if m.epoch != epoch || m.machine.State != StateOpen {
		m.mu.Unlock()
		return
	}
	m.dropTransportLocked()
	m.failLocked("read", err)
	st := m.statusLocked()
	m.mu.Unlock()
	m.emit(st)
}

// failLocked 记录失败并按状态机调度下一次重连。
func (m *Manager) failLocked(trigger string, err error) {
	if err != nil {
		m.lastErr = err.Error()
	}
	delay, retry := m.machine.OnFailure()
	if !retry {
		if m.machine.Exhausted {
			logger.Warn("conn: reconnect exhausted",
				logger.FieldSessionID, m.sessionID,
				logger.FieldTrigger, trigger,
				logger.FieldMaxAttempts, m.machine.MaxAttempts,
				logger.FieldQueued, len(m.queue),
				logger.FieldError, err,
			)
		}
		return
	}
	logger.Warn("conn: connection lost, scheduling reconnect",
		logger.FieldSessionID, m.sessionID,
		logger.FieldTrigger, trigger,
		logger.FieldAttempt, m.machine.Attempt,
		logger.FieldMaxAttempts, m.machine.MaxAttempts,
		logger.FieldDelayMS, delay.Milliseconds(),
		logger.FieldError, err,
	)
	m.retry = m.clock.AfterFunc(delay, m.attemptReconnect)
}

func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if !m.machine.OnRetry() {
		m.mu.Unlock()
		return
	}
	st := m.statusLocked()
	m.mu.Unlock()

	m.emit(st)
	_ = m.dial("reconnect")
}

// dropTransportLocked 关闭并丢弃当前 transport, 使其 readLoop 失效。
func (m *Manager) dropTransportLocked() {
	if m.transport == nil {
		return
	}
	_ = m.transport.Close()
	m.transport = nil
	m.epoch++
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:       m.machine.State,
		Attempt:     m.machine.Attempt,
		MaxAttempts: m.machine.MaxAttempts,
		Exhausted:   m.machine.Exhausted,
		Queued:      len(m.queue),
		LastError:   m.lastErr,
	}
}

func (m *Manager) emit(st Status) {
	m.observersMu.RLock()
	observers := append([]func(State, Status){}, m.observers...)
	m.observersMu.RUnlock()
	for _, fn := range observers {
		fn(st.State, st)
	}
}
