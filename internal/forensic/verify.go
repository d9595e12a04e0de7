package forensic

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/osint-shield/internal/hash/sha256"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// ErrDigestMismatch reports a stored snapshot whose digest no longer matches.
var ErrDigestMismatch = errors.New("report digest mismatch")

// Verification is the outcome of re-hashing a stored report.
type Verification struct {
	ReportUUID     uuid.UUID `json:"report_uuid"`
	CaseUUID       uuid.UUID `json:"case_uuid"`
	StoredDigest   string    `json:"stored_hash"`
	ComputedDigest string    `json:"computed_hash"`
	Valid          bool      `json:"valid"`
}

// VerifyReport recomputes the digest of the stored snapshot. A mismatch is
// reported through Valid and ErrDigestMismatch.
func VerifyReport(report pipeline.Report) (Verification, error) {
	v := Verification{
		ReportUUID:   report.UUID,
		CaseUUID:     report.CaseUUID,
		StoredDigest: report.Digest,
	}
	canonical, err := CanonicalizeJSON(report.Snapshot)
	if err != nil {
		return v, fmt.Errorf("report %s: %w", report.UUID, err)
	}
	v.ComputedDigest = sha256.Hex(canonical)
	v.Valid = sha256.Equal(v.ComputedDigest, report.Digest)
	if !v.Valid {
		return v, fmt.Errorf("report %s: %w", report.UUID, ErrDigestMismatch)
	}
	return v, nil
}

// Verify loads a report and checks its digest.
func (s *Sealer) Verify(ctx context.Context, reportUUID uuid.UUID) (Verification, error) {
	report, err := s.Report(ctx, reportUUID)
	if err != nil {
		return Verification{}, err
	}
	return VerifyReport(report)
}
