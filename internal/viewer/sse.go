// sse.go — SSE 事件总线 + handler。
package viewer

import (
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/multi-agent/chatstream/pkg/logger"
)

// EventBus 事件总线 (SSE 推送)。订阅者缓冲满时丢弃事件, 渲染端收到任意变更后应重新拉取快照。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// Event SSE 事件。
type Event struct {
	Type string
	Data any
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅。
func (b *EventBus) Subscribe(id string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe 取消订阅。不关闭 ch, sseHandler 通过 ctx.Done() 退出。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Len 当前订阅者数。
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// sseHandler 先推送一次 status 快照, 之后转发会话变更。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := "sse-" + uuid.NewString()
	ch := s.bus.Subscribe(clientID)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("viewer: SSE client disconnected", "client_id", clientID)
	}()
	logger.Info("viewer: SSE client connected", "client_id", clientID)

	c.SSEvent("status", s.statusSnapshot())
	c.Writer.Flush()

	keepalive := time.NewTimer(s.keepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt.Data)
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(s.keepalive)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			keepalive.Reset(s.keepalive)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
