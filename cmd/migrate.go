package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/osint-shield/internal/store/postgres"
)

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func newMigrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if printOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), pgstore.Schema())
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, ok := appInstance.Store().(schemaEnsurer)
			if !ok {
				return errors.New("migrate needs a Postgres store: set db.dsn")
			}
			if err := st.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}
