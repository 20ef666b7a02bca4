package main

import (
	"fmt"

	"github.com/ahrdadan/agentab/internal/cdp"
	"github.com/spf13/cobra"
)

func newInstallCmd(a *app) *cobra.Command {
	var systemDeps bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download the Chromium build sessions launch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cdp.Install(cmd.Context(), cdp.InstallOptions{
				Revision:   a.cfg.Browser.Revision,
				SystemDeps: systemDeps,
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().BoolVar(&systemDeps, "with-deps", false, "also install the shared libraries Chromium needs (Linux, root)")
	cmd.Flags().Int("revision", 0, "Chromium snapshot revision")
	bindFlag(cmd.Flags(), "revision", "browser.revision")
	return cmd
}
