// render.go — 终端输出: 增量打印流式文本、工具活动与连接状态。
package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/multi-agent/chatstream/internal/blocks"
	"github.com/multi-agent/chatstream/internal/conn"
	"github.com/multi-agent/chatstream/internal/frame"
	"github.com/multi-agent/chatstream/internal/stream"
)

// printer 只打印自上次以来新增的内容。用户消息由本地输入产生, 不回显。
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]int // message id → 已打印字节数
	current string         // 正在续写的助手消息
	events  int            // 已打印的事件数
	state   conn.State
	lastErr string
	title   string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]int)}
}

// messages 打印助手消息的增量。
func (p *printer) messages(msgs []stream.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Role != stream.RoleAssistant {
			continue
		}
		done, seen := p.printed[m.ID]
		if !seen && m.Content == "" {
			continue
		}
		if len(m.Content) <= done {
			continue
		}
		if m.ID != p.current {
			p.breakLine()
			fmt.Fprint(p.w, color.CyanString("assistant › "))
			p.current = m.ID
		}
		fmt.Fprint(p.w, m.Content[done:])
		p.printed[m.ID] = len(m.Content)
	}
}

// streamEvents 打印工具活动。事件日志在新流开始时被清空, 计数随之归零。
func (p *printer) streamEvents(evs []stream.StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(evs) < p.events {
		p.events = 0
	}
	for _, ev := range evs[p.events:] {
		line := describeEvent(ev)
		if line == "" {
			continue
		}
		p.breakLine()
		fmt.Fprintln(p.w, color.HiBlackString("  ⚙ "+line))
	}
	p.events = len(evs)
}

// status 连接状态与流结束。
func (p *printer) status(st stream.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !st.Streaming {
		p.breakLine()
	}
	cs := st.Connection
	if cs.State == p.state {
		return
	}
	p.state = cs.State
	p.breakLine()
	switch {
	case cs.State == conn.StateOpen:
		fmt.Fprintln(p.w, color.GreenString("● connected"))
	case cs.Exhausted:
		fmt.Fprintln(p.w, color.RedString("✗ connection lost after %d attempts (send a message to retry)", cs.MaxAttempts))
	case cs.State == conn.StateBackoff:
		fmt.Fprintln(p.w, color.YellowString("… reconnecting (attempt %d/%d)", cs.Attempt, cs.MaxAttempts))
	}
}

func (p *printer) failure(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if text == "" || text == p.lastErr {
		p.lastErr = text
		return
	}
	p.lastErr = text
	p.breakLine()
	fmt.Fprintln(p.w, color.RedString("✗ %s", text))
}

func (p *printer) titled(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if title == "" || title == p.title {
		return
	}
	p.title = title
	p.breakLine()
	fmt.Fprintln(p.w, color.MagentaString("# %s", title))
}

func (p *printer) info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	fmt.Fprintln(p.w, color.HiBlackString(format, args...))
}

// breakLine 结束正在续写的助手行。
func (p *printer) breakLine() {
	if p.current != "" {
		fmt.Fprintln(p.w)
		p.current = ""
	}
}

func describeEvent(ev stream.StreamEvent) string {
	switch ev.Type {
	case frame.KindActionStreaming:
		return strings.TrimSpace(ev.Tool + " " + ev.Status)
	case frame.KindAction:
		return fmt.Sprintf("%s %s", ev.Tool, compact(string(ev.Args), 80))
	case frame.KindObservation:
		mark := "ok"
		if ev.Success != nil && !*ev.Success {
			mark = "failed"
		}
		return fmt.Sprintf("→ %s: %s", mark, compact(ev.Content, 80))
	default:
		return ""
	}
}

func compact(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// renderGroups 打印展示分组。
func renderGroups(w io.Writer, groups []blocks.DisplayGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No content blocks")
		return
	}
	for _, g := range groups {
		switch {
		case g.Type == blocks.GroupUser:
			fmt.Fprintf(w, "%s %s\n", color.GreenString("user ›"), g.Main.Text())
		case g.Main.BlockType == blocks.TypeSystem:
			fmt.Fprintf(w, "%s %s\n", color.YellowString("system ›"), g.Main.Text())
		default:
			fmt.Fprintln(w, color.CyanString("assistant ›"))
			for _, b := range g.ToolBlocks {
				fmt.Fprintf(w, "  %s %s\n", color.HiBlackString("⚙ "+string(b.BlockType)), b.ToolName())
			}
			for _, b := range g.TextBlocks {
				fmt.Fprintf(w, "  %s\n", b.Text())
			}
		}
	}
}
