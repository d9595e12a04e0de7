package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/forensic"
)

func newSealCmd() *cobra.Command {
	var generatedBy string
	cmd := &cobra.Command{
		Use:   "seal <case-uuid>",
		Short: "Seal a forensic report for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid case uuid: %w", err)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sealed, err := appInstance.Sealer().Seal(cmd.Context(), caseID, generatedBy)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("report sealed",
				zap.String("report_uuid", sealed.Report.UUID.String()),
				zap.Int("evidence_sealed", sealed.SealedCount),
			)
			return printJSON(cmd, map[string]any{
				"report_uuid":     sealed.Report.UUID,
				"case_uuid":       sealed.Report.CaseUUID,
				"report_hash":     sealed.Report.Digest,
				"artifact_path":   sealed.Report.ArtifactPath,
				"evidence_sealed": sealed.SealedCount,
			})
		},
	}
	cmd.Flags().StringVar(&generatedBy, "by", "", "name recorded as the report author")
	return cmd
}

// newVerifyCmd prints the verification and fails on a digest mismatch.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <report-uuid>",
		Short: "Recompute and check the digest of a sealed report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid report uuid: %w", err)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			v, err := appInstance.Sealer().Verify(cmd.Context(), reportID)
			if err != nil && !errors.Is(err, forensic.ErrDigestMismatch) {
				return err
			}
			if perr := printJSON(cmd, v); perr != nil {
				return perr
			}
			return err
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
