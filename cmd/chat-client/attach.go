package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/multi-agent/chatstream/internal/stream"
	"github.com/multi-agent/chatstream/internal/viewer"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
	"github.com/multi-agent/chatstream/pkg/util"
)

func attachCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a session: type to send, /cancel /refresh /groups /status /quit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAttach(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&a.cfg.ViewerListen, "viewer", a.cfg.ViewerListen, "also serve the HTTP viewer on this address (VIEWER_LISTEN)")
	return cmd
}

func (a *app) runAttach(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, cleanup, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	p := newPrinter(out)
	watch(sess, p)

	if a.cfg.ViewerListen != "" {
		srv := viewer.NewServer(sess)
		util.SafeGo(func() {
			if err := srv.ListenAndServe(ctx, a.cfg.ViewerListen); err != nil {
				logger.Error("chat-client: viewer stopped", logger.FieldError, err)
			}
		})
	}

	if err := startSession(sess); err != nil {
		return err
	}
	initialRefresh(ctx, sess, p)

	lines := make(chan string)
	util.SafeGo(func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.handleLine(ctx, sess, p, line); quit {
				return nil
			}
		}
	}
}

// watch 把会话变更转成终端输出。
func watch(sess *stream.Session, p *printer) {
	sess.OnChange(func(ch stream.Change) {
		switch ch.Kind {
		case stream.ChangeMessages:
			p.messages(sess.Messages())
		case stream.ChangeEvents:
			p.streamEvents(sess.Events())
		case stream.ChangeStatus:
			p.status(sess.Status())
		case stream.ChangeTitle:
			p.titled(sess.Title())
		case stream.ChangeError:
			p.failure(sess.LastError())
		}
	})
}

// initialRefresh 连接后加载一次历史; 会话不存在时只提示, 不退出。
func initialRefresh(ctx context.Context, sess *stream.Session, p *printer) {
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := sess.Refresh(rctx); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			p.info("session %s not found on server", sess.ID())
			return
		}
		logger.Warn("chat-client: initial refresh failed", logger.FieldError, err)
	}
}

// handleLine 处理一行输入, 返回 true 表示退出。
func (a *app) handleLine(ctx context.Context, sess *stream.Session, p *printer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch line {
	case "/quit", "/exit":
		return true
	case "/cancel":
		if err := sess.CancelStream(); err != nil {
			p.failure(err.Error())
		}
	case "/refresh":
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := sess.Refresh(rctx); err != nil {
			p.failure(err.Error())
		}
	case "/groups":
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		groups, err := sess.Groups(rctx)
		if err != nil {
			p.failure(err.Error())
			return false
		}
		p.mu.Lock()
		p.breakLine()
		renderGroups(p.w, groups)
		p.mu.Unlock()
	case "/status":
		st := sess.Status()
		p.info("streaming=%v connection=%s attempt=%d/%d queued=%d chunks=%d",
			st.Streaming, st.Connection.State, st.Connection.Attempt, st.Connection.MaxAttempts,
			st.Connection.Queued, st.Stats.ChunkCount)
	default:
		if strings.HasPrefix(line, "/") {
			p.info("unknown command %s", line)
			return false
		}
		if _, err := sess.SendMessage(line); err != nil {
			p.failure(err.Error())
		}
	}
	return false
}
