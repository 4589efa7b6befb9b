// handler.go — 面板 REST API。
package viewer

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/chatstream/internal/stream"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
)

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/messages", s.listMessages)
	api.GET("/events", s.listEvents)
	api.GET("/status", s.getStatus)
	api.GET("/groups", s.listGroups)

	api.POST("/send", s.sendMessage)
	api.POST("/cancel", s.cancelStream)
	api.POST("/refresh", s.refresh)

	api.GET("/stream", s.sseHandler)
}

func (s *Server) listMessages(c *gin.Context) {
	success(c, s.chat.Messages())
}

func (s *Server) listEvents(c *gin.Context) {
	success(c, s.chat.Events())
}

// statusView /api/status 与 SSE 初始快照共用。
type statusView struct {
	Status    stream.Status `json:"status"`
	Title     string        `json:"title"`
	LastError string        `json:"last_error,omitempty"`
}

func (s *Server) statusSnapshot() statusView {
	return statusView{Status: s.chat.Status(), Title: s.chat.Title(), LastError: s.chat.LastError()}
}

func (s *Server) getStatus(c *gin.Context) {
	success(c, s.statusSnapshot())
}

func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.chat.Groups(c.Request.Context())
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			notFound(c, "session not found")
			return
		}
		unavailable(c, err)
		return
	}
	success(c, groups)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	msg, err := s.chat.SendMessage(req.Content)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) {
			badRequest(c, "invalid_request", err.Error())
			return
		}
		unavailable(c, err)
		return
	}
	accepted(c, msg)
}

func (s *Server) cancelStream(c *gin.Context) {
	if err := s.chat.CancelStream(); err != nil {
		unavailable(c, err)
		return
	}
	accepted(c, gin.H{"cancel_requested": true})
}

func (s *Server) refresh(c *gin.Context) {
	if err := s.chat.Refresh(c.Request.Context()); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			notFound(c, "session not found")
			return
		}
		unavailable(c, err)
		return
	}
	success(c, s.chat.Messages())
}
