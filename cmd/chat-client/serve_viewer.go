package main

import (
	"github.com/spf13/cobra"

	"github.com/multi-agent/chatstream/internal/viewer"
	apperrors "github.com/multi-agent/chatstream/pkg/errors"
	"github.com/multi-agent/chatstream/pkg/logger"
)

func serveViewerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-viewer",
		Short: "Attach to a session headlessly and expose it over the HTTP viewer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.ViewerListen == "" {
				return apperrors.Wrap(apperrors.ErrInvalidInput, "serve-viewer", "--viewer is required")
			}
			ctx := cmd.Context()
			sess, cleanup, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := viewer.NewServer(sess)
			if err := startSession(sess); err != nil {
				return err
			}
			if err := sess.Refresh(ctx); err != nil {
				logger.Warn("serve-viewer: initial refresh failed", logger.FieldError, err)
			}
			return srv.ListenAndServe(ctx, a.cfg.ViewerListen)
		},
	}
	cmd.Flags().StringVar(&a.cfg.ViewerListen, "viewer", a.cfg.ViewerListen, "listen address (VIEWER_LISTEN)")
	return cmd
}
