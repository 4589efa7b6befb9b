package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/multi-agent/chatstream/internal/blocks"
)

func groupsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Fetch persisted content blocks and print their display groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, cleanup, err := a.openSource(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			bs, err := src.ListBlocks(cmd.Context(), a.cfg.SessionID)
			if err != nil {
				return err
			}
			groups := blocks.GroupBlocks(bs)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(groups)
			}
			renderGroups(cmd.OutOrStdout(), groups)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print groups as JSON")
	return cmd
}
