// accumulator.go — 流式缓冲: 合并突发的文本/事件片段, 按固定节拍批量并入可见状态。
package stream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/multi-agent/chatstream/internal/clock"
	"github.com/multi-agent/chatstream/internal/frame"
	"github.com/samber/lo"
)

// DefaultFlushInterval 默认 flush 周期。
const DefaultFlushInterval = 30 * time.Millisecond

// StreamEvent 由非文本帧 (及 chunk) 派生的展示日志条目。
type StreamEvent struct {
	Type     frame.Kind      `json:"type"`
	Tool     string          `json:"tool,omitempty"`
	Step     int             `json:"step,omitempty"`
	Status   string          `json:"status,omitempty"`
	Content  string          `json:"content,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	At       time.Time       `json:"at"`
}

func (e StreamEvent) clone() StreamEvent {
	if e.Args != nil {
		e.Args = append(json.RawMessage(nil), e.Args...)
	}
	if e.Success != nil {
		v := *e.Success
		e.Success = &v
	}
	if e.Metadata != nil {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}

// Stats 单次流的统计信息。
type Stats struct {
	ChunkCount int       `json:"chunk_count"`
	TotalBytes int       `json:"total_bytes"`
	Flushes    int       `json:"flushes"`
	Dropped    int       `json:"dropped"` // 找不到目标消息而丢弃的文本批次
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
}

// Duration 流持续时长; 未结束时为 0。
func (s Stats) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Accumulator 文本缓冲 + 事件缓冲 + flush 定时器。
//
// 不自带锁: 由 Session 在其互斥锁内调用。定时器回调会带上启动时的 generation,
// 由 Session 判断是否过期。
type Accumulator struct {
	clock    clock.Clock
	interval time.Duration

	text   strings.Builder
	events []StreamEvent
	ticker clock.Timer
	stats  Stats
}

// NewAccumulator 创建 Accumulator。interval <= 0 时使用 DefaultFlushInterval。
func NewAccumulator(clk clock.Clock, interval time.Duration) *Accumulator {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Accumulator{clock: clk, interval: interval}
}

// Start 清空缓冲并启动 flush 节拍。已有节拍会先停止。
func (a *Accumulator) Start(gen uint64, onTick func(gen uint64)) {
	a.Stop()
	a.reset()
	a.stats = Stats{StartedAt: a.clock.Now()}
	a.ticker = a.clock.Every(a.interval, func() { onTick(gen) })
}

// Stop 停止 flush 节拍, 缓冲保留。
func (a *Accumulator) Stop() {
	if a.ticker != nil {
		a.ticker.Stop()
		a.ticker = nil
	}
}

// Running 节拍是否在运行。
func (a *Accumulator) Running() bool { return a.ticker != nil }

// Finish 停止节拍并记录结束时间。
func (a *Accumulator) Finish() Stats {
	a.Stop()
	a.stats.EndedAt = a.clock.Now()
	return a.stats
}

func (a *Accumulator) reset() {
	a.text.Reset()
	a.events = nil
}

// AddChunk 追加文本片段。
func (a *Accumulator) AddChunk(content string) {
	a.text.WriteString(content)
	a.stats.ChunkCount++
	a.stats.TotalBytes += len(content)
}

// AddEvent 追加事件。
func (a *Accumulator) AddEvent(ev StreamEvent) {
	if ev.At.IsZero() {
		ev.At = a.clock.Now()
	}
	a.events = append(a.events, ev)
}

// PurgeArgsChunks 移除缓冲中同一工具的 action_args_chunk 事件, 返回移除数量。
func (a *Accumulator) PurgeArgsChunks(tool string) int {
	before := len(a.events)
	a.events = purgeArgsChunks(a.events, tool)
	return before - len(a.events)
}

// Empty 两个缓冲是否都为空。
func (a *Accumulator) Empty() bool {
	return a.text.Len() == 0 && len(a.events) == 0
}

// Drain 取出并清空缓冲。两者皆空时 ok=false。
func (a *Accumulator) Drain() (text string, events []StreamEvent, ok bool) {
	if a.Empty() {
		return "", nil, false
	}
	text = a.text.String()
	events = a.events
	a.reset()
	a.stats.Flushes++
	return text, events, true
}

// NoteDropped 记录一次目标缺失导致的丢弃。
func (a *Accumulator) NoteDropped() { a.stats.Dropped++ }

// Stats 当前统计。
func (a *Accumulator) Stats() Stats { return a.stats }

func purgeArgsChunks(events []StreamEvent, tool string) []StreamEvent {
	return lo.Reject(events, func(ev StreamEvent, _ int) bool {
		return ev.Type == frame.KindActionArgsChunk && ev.Tool == tool
	})
}
