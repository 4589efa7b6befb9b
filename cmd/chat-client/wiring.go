package main

import (
	"context"
	"errors"

	"github.com/multi-agent/chatstream/internal/conn"
	"github.com/multi-agent/chatstream/internal/database"
	"github.com/multi-agent/chatstream/internal/persist"
	"github.com/multi-agent/chatstream/internal/stream"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
)

// openSource 按 --source 创建持久化数据源。返回的 cleanup 总是非 nil。
func (a *app) openSource(ctx context.Context) (stream.Source, func(), error) {
	if a.source == "pg" {
		pool, err := database.NewPool(ctx, a.cfg)
		if err != nil {
			return nil, func() {}, err
		}
		return persist.NewPGSourceFromPool(pool), pool.Close, nil
	}
	return persist.NewHTTPSourceFromConfig(a.cfg), func() {}, nil
}

// openSession 组装 连接管理器 + 会话, 尚未连接。
func (a *app) openSession(ctx context.Context) (*stream.Session, func(), error) {
	url, err := a.cfg.StreamURL(a.cfg.SessionID)
	if err != nil {
		return nil, func() {}, err
	}
	src, closeSource, err := a.openSource(ctx)
	if err != nil {
		return nil, func() {}, err
	}

	mgr := conn.New(conn.Options{
		SessionID:   a.cfg.SessionID,
		URL:         url,
		Dialer:      conn.NewWSDialer(a.cfg),
		BaseDelay:   a.cfg.ReconnectBaseDelay(),
		MaxDelay:    a.cfg.ReconnectMaxDelay(),
		MaxAttempts: a.cfg.ReconnectMaxAttempts,
	})
	sess := stream.NewSession(stream.Options{
		SessionID:     a.cfg.SessionID,
		Conn:          mgr,
		Source:        src,
		FlushInterval: a.cfg.FlushInterval(),
	})
	logger.Info("chat-client: session ready",
		logger.FieldSessionID, a.cfg.SessionID,
		logger.FieldURL, url,
		"source", a.source,
	)
	cleanup := func() {
		_ = sess.Close()
		closeSource()
	}
	return sess, cleanup, nil
}

// startSession 发起连接。拨号失败 (TRANSPORT) 时连接层已按退避调度重连,
// 只记为连接问题继续运行; 会话已关闭或配置错误才返回错误。
func startSession(sess *stream.Session) error {
	err := sess.Start()
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrClosed) || apperrors.CodeOf(err) != apperrors.CodeTransport {
		return err
	}
	logger.Warn("chat-client: connection issue, reconnecting in background",
		logger.FieldSessionID, sess.ID(),
		logger.FieldError, err,
	)
	return nil
}
