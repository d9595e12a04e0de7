package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/osint-shield/internal/app"
)

func newRunCmd(mode app.Mode, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context(), mode)
		},
	}
}
