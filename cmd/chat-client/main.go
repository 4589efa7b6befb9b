// cmd/chat-client — 流式聊天会话客户端。
//
//	chat-client attach --session <id> [--viewer :8090]
//	chat-client groups --session <id>
//	chat-client serve-viewer --session <id> --viewer :8090
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/multi-agent/chatstream/internal/config"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
)

var version = "0.1.0"

// app 命令间共享的配置 (env 加载, flag 覆盖)。
type app struct {
	cfg    *config.Config
	source string // http | pg
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(config.Load()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	a := &app{cfg: cfg, source: "http"}

	root := &cobra.Command{
		Use:           "chat-client",
		Short:         "Streaming chat session client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.LogDir != "" {
				if err := logger.InitWithFile(cfg.LogDir, cfg.LogLevel); err != nil {
					return err
				}
			} else {
				logger.InitTo(os.Stderr, cfg.LogEnv, cfg.LogLevel)
			}
			return a.validate()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.ShutdownFileHandler()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.ChatBaseURL, "base-url", cfg.ChatBaseURL, "chat service REST base URL (CHAT_BASE_URL)")
	pf.StringVar(&cfg.ChatWSURL, "ws-url", cfg.ChatWSURL, "stream base URL, derived from --base-url when empty (CHAT_WS_URL)")
	pf.StringVar(&cfg.SessionID, "session", cfg.SessionID, "chat session id (CHAT_SESSION_ID)")
	pf.StringVar(&a.source, "source", a.source, "persistence source: http | pg")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG | INFO | WARN | ERROR (LOG_LEVEL)")
	pf.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "also write JSON logs to this directory (LOG_DIR)")

	root.AddCommand(attachCmd(a), groupsCmd(a), serveViewerCmd(a))
	return root
}

func (a *app) validate() error {
	a.source = strings.ToLower(strings.TrimSpace(a.source))
	switch a.source {
	case "http", "pg":
	default:
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "chat-client", "unknown --source %q", a.source)
	}
	if strings.TrimSpace(a.cfg.SessionID) == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "chat-client", "--session is required")
	}
	return nil
}
