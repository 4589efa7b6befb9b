// state.go — 连接状态机: 纯状态 + 转移函数, 不含 I/O, 可脱离定时器单独测试。
package conn

import (
	"fmt"
	"time"
)

// State 连接状态。
type State int

const (
	StateDisconnected State = iota // 未连接 (初始, 或重连耗尽)
	StateConnecting                // 正在拨号
	StateOpen                      // 已连接
	StateBackoff                   // 等待下一次重连
	StateClosed                    // 已显式关闭, 不再重连
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText 以名称序列化 (JSON 中显示为 "open" 等)。
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText 解析 MarshalText 的输出。
func (s *State) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// Status 状态快照, 供 UI 展示 "连接异常" 提示。
type Status struct {
	State       State  `json:"state"`
	Attempt     int    `json:"attempt"`      // 当前 (或最近一次) 重连序号, 连接成功后归零
	MaxAttempts int    `json:"max_attempts"` // 重连上限
	Exhausted   bool   `json:"exhausted"`    // 重连耗尽, 需用户重新发送/连接
	Queued      int    `json:"queued"`       // 待发送队列长度
	LastError   string `json:"last_error,omitempty"`
}

// Machine 重连状态机。
//
// Attempt 计数已调度的重连次数。失败计数只算重连尝试: 触发重连周期的那次
// 断开 (或首次拨号失败) 不计入。MaxAttempts=N 时, 连续 N 次重连都失败后
// 不再调度, 进入 StateDisconnected 并标记 Exhausted; 总拨号次数为 1+N。
type Machine struct {
	State       State
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exhausted   bool
}

// OnConnect 请求连接。仅在 StateDisconnected 时返回 true (需要拨号),
// 此时清零重连计数: 耗尽后的用户重试从头开始。
func (m *Machine) OnConnect() bool {
	if m.State != StateDisconnected {
		return false
	}
	m.State = StateConnecting
	m.Attempt = 0
	m.Exhausted = false
	return true
}

// OnRetry 重连定时器触发。仅在 StateBackoff 时返回 true。
func (m *Machine) OnRetry() bool {
	if m.State != StateBackoff {
		return false
	}
	m.State = StateConnecting
	return true
}

// OnOpened 拨号成功。
func (m *Machine) OnOpened() {
	m.State = StateOpen
	m.Attempt = 0
	m.Exhausted = false
}

// OnFailure 拨号失败或连接意外断开。
// 返回下一次重连的延迟, retry=false 表示已耗尽。
func (m *Machine) OnFailure() (delay time.Duration, retry bool) {
	if m.State == StateClosed {
		return 0, false
	}
	if m.Attempt >= m.MaxAttempts {
		m.State = StateDisconnected
		m.Exhausted = true
		return 0, false
	}
	m.Attempt++
	m.State = StateBackoff
	return BackoffDelay(m.Attempt, m.BaseDelay, m.MaxDelay), true
}

// OnClose 显式关闭。
func (m *Machine) OnClose() {
	m.State = StateClosed
}

// BackoffDelay 第 attempt 次重连前的等待时间。
//
// 第 1 次立即重连; 之后 base, 2·base, 4·base ... 封顶 max。
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
