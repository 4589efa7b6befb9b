// Package viewer 本地 HTTP 面板: 向渲染端暴露会话的消息列表、事件日志、展示分组与操作入口。
package viewer

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/chatstream/internal/blocks"
	"github.com/multi-agent/chatstream/internal/stream"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

// Chat 面板依赖的会话能力, 由 *stream.Session 实现。
type Chat interface {
	ID() string
	Messages() []stream.Message
	Events() []stream.StreamEvent
	Status() stream.Status
	Title() string
	LastError() string
	Groups(ctx context.Context) ([]blocks.DisplayGroup, error)
	SendMessage(text string) (stream.Message, error)
	CancelStream() error
	Refresh(ctx context.Context) error
	OnChange(fn func(stream.Change))
}

var _ Chat = (*stream.Session)(nil)

// Server 面板 HTTP 服务。
type Server struct {
	router    *gin.Engine
	chat      Chat
	bus       *EventBus
	keepalive time.Duration
}

// NewServer 创建面板服务, 并把会话变更桥接到 SSE 总线。
func NewServer(chat Chat) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	s := &Server{router: r, chat: chat, bus: NewEventBus(), keepalive: 30 * time.Second}
	chat.OnChange(func(ch stream.Change) {
		s.bus.Publish(Event{Type: string(ch.Kind), Data: ch})
	})
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// ListenAndServe 监听 addr 直到 ctx 取消, 随后给活跃连接 5 秒完成处理。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.SafeGo(func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("viewer: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("viewer: shutdown completed")
	})

	logger.Info("viewer: listening", logger.FieldAddr, addr, logger.FieldSessionID, s.chat.ID())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(err, "Server.ListenAndServe", "listen")
	}
	return nil
}

// requestLogger 向请求 context 注入带方法与路径的日志器, 并在结束时记录请求
// (SSE 长连接只记录结束)。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := logger.With(
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
		)
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), log))
		c.Next()
		log.Debug("viewer: request",
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	}
}
