package render

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/osint-shield/internal/forensic"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

func sampleSnapshot(t *testing.T) (forensic.Snapshot, []byte, string) {
	t.Helper()
	bundle := pipeline.CaseBundle{
		Case: pipeline.Case{
			ID:         1,
			UUID:       uuid.MustParse("5b7f6c1e-8d7a-4f0e-9a55-3f1d2c4b6a70"),
			URL:        "https://bit.ly/mtn-bonus",
			SourceType: "WEB",
			RiskScore:  70,
			Status:     pipeline.CaseStatusConfirmed,
			Note:       "Vérifié par l'analyste",
		},
		Evidences: []pipeline.Evidence{{
			ID:       2,
			Type:     pipeline.EvidenceTypeScreenshot,
			FilePath: "screenshots/evidence_abc.png",
			FileHash: "abc",
			Status:   pipeline.EvidenceStatusActive,
		}},
		Analysis: &pipeline.Analysis{
			Categories: []pipeline.Category{{Name: "CREDENTIAL_REQUEST", Weight: 30, Matches: []string{"code"}}},
			Entities:   []pipeline.Entity{{Text: "MTN", Label: "ORG"}},
		},
	}
	snap, err := forensic.BuildSnapshot(bundle, "v1.0.3", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	canonical, digest, err := forensic.Digest(snap)
	require.NoError(t, err)
	return snap, canonical, digest
}

func TestJSONEnvelopeCarriesCanonicalSnapshot(t *testing.T) {
	t.Parallel()

	snap, canonical, digest := sampleSnapshot(t)
	out, err := JSON{}.Render(snap, canonical, digest)
	require.NoError(t, err)

	var envelope struct {
		Digest   string          `json:"report_hash"`
		Snapshot json.RawMessage `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(out, &envelope))
	require.Equal(t, digest, envelope.Digest)

	recanonical, err := forensic.CanonicalizeJSON(envelope.Snapshot)
	require.NoError(t, err)
	require.Equal(t, canonical, recanonical)
}

func TestPDFRender(t *testing.T) {
	t.Parallel()

	snap, canonical, digest := sampleSnapshot(t)
	out, err := PDF{}.Render(snap, canonical, digest)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	require.Equal(t, "application/pdf", PDF{}.ContentType())
}
