// Package forensic freezes a Case into a versioned, canonically hashed
// snapshot and seals the evidence it references.
package forensic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/osint-shield/internal/hash/sha256"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// SnapshotVersion is the layout version written into every snapshot.
const SnapshotVersion = "1.0"

// Snapshot is the immutable document a Report digest is computed over.
type Snapshot struct {
	SnapshotVersion string       `json:"snapshot_version"`
	EngineVersion   string       `json:"engine_version"`
	GeneratedAt     string       `json:"generated_at"`
	Data            SnapshotData `json:"data"`
}

// SnapshotData holds copies of the case, its evidence and its analysis.
type SnapshotData struct {
	Alert     AlertSnapshot      `json:"alert"`
	Evidences []EvidenceSnapshot `json:"evidences"`
	Analysis  *AnalysisSnapshot  `json:"analysis"`
}

// AlertSnapshot is the case as it stood when the snapshot was taken.
type AlertSnapshot struct {
	UUID             string  `json:"uuid"`
	URL              string  `json:"url"`
	SourceType       string  `json:"source_type"`
	RiskScore        int     `json:"risk_score"`
	StatusAtSnapshot string  `json:"status_at_snapshot"`
	CreatedAt        *string `json:"created_at"`
	UpdatedAt        *string `json:"updated_at"`
	AnalysisNote     string  `json:"analysis_note"`
}

// EvidenceSnapshot is one evidence row.
type EvidenceSnapshot struct {
	ID             int64          `json:"id"`
	Type           string         `json:"type"`
	FilePath       string         `json:"file_path"`
	FileHash       string         `json:"file_hash"`
	Status         string         `json:"status"`
	CapturedAt     *string        `json:"captured_at"`
	Metadata       map[string]any `json:"metadata"`
	ContentPreview string         `json:"content_preview"`
}

// AnalysisSnapshot is the scoring output attached to the case.
type AnalysisSnapshot struct {
	RiskScore    int                 `json:"risk_score"`
	Categories   []pipeline.Category `json:"categories"`
	Entities     []pipeline.Entity   `json:"entities"`
	Explanations []string            `json:"explanations"`
	GeneratedAt  string              `json:"generated_at"`
}

// BuildSnapshot copies the bundle into a Snapshot. Nothing in the result
// aliases the bundle, so later changes to the case cannot leak into it.
func BuildSnapshot(bundle pipeline.CaseBundle, engineVersion string, generatedAt time.Time) (Snapshot, error) {
	c := bundle.Case
	status := string(c.Status)
	if status == "" {
		status = "UNKNOWN"
	}
	snap := Snapshot{
		SnapshotVersion: SnapshotVersion,
		EngineVersion:   engineVersion,
		GeneratedAt:     isoformat(generatedAt),
		Data: SnapshotData{
			Alert: AlertSnapshot{
				UUID:             c.UUID.String(),
				URL:              c.URL,
				SourceType:       c.SourceType,
				RiskScore:        c.RiskScore,
				StatusAtSnapshot: status,
				CreatedAt:        optionalTime(c.CreatedAt),
				UpdatedAt:        optionalTime(c.UpdatedAt),
				AnalysisNote:     c.Note,
			},
			Evidences: make([]EvidenceSnapshot, 0, len(bundle.Evidences)),
		},
	}
	for _, e := range bundle.Evidences {
		metadata, err := copyMetadata(e.Metadata)
		if err != nil {
			return Snapshot{}, fmt.Errorf("copy evidence %d metadata: %w", e.ID, err)
		}
		snap.Data.Evidences = append(snap.Data.Evidences, EvidenceSnapshot{
			ID:             e.ID,
			Type:           e.Type,
			FilePath:       e.FilePath,
			FileHash:       e.FileHash,
			Status:         string(e.Status),
			CapturedAt:     optionalTime(e.CapturedAt),
			Metadata:       metadata,
			ContentPreview: e.ContentPreview,
		})
	}
	if a := bundle.Analysis; a != nil {
		snap.Data.Analysis = &AnalysisSnapshot{
			RiskScore:    c.RiskScore,
			Categories:   copyCategories(a.Categories),
			Entities:     append([]pipeline.Entity{}, a.Entities...),
			Explanations: append([]string{}, a.Explanations...),
			GeneratedAt:  isoformat(generatedAt),
		}
	}
	return snap, nil
}

// EvidenceIDs lists the evidence rows referenced by the snapshot.
func (s Snapshot) EvidenceIDs() []int64 {
	ids := make([]int64, 0, len(s.Data.Evidences))
	for _, e := range s.Data.Evidences {
		ids = append(ids, e.ID)
	}
	return ids
}

// Digest returns the canonical form of snap and its SHA-256 hex digest.
func Digest(snap Snapshot) ([]byte, string, error) {
	canonical, err := Canonicalize(snap)
	if err != nil {
		return nil, "", err
	}
	return canonical, sha256.Hex(canonical), nil
}

// isoformat renders t in UTC without a zone suffix, with microseconds only
// when they are non-zero.
func isoformat(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()/1000 == 0 {
		return t.Format("2006-01-02T15:04:05")
	}
	return t.Format("2006-01-02T15:04:05.000000")
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := isoformat(t)
	return &s
}

// copyMetadata deep-copies arbitrary JSON metadata by round-tripping it.
func copyMetadata(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyCategories(in []pipeline.Category) []pipeline.Category {
	out := make([]pipeline.Category, len(in))
	for i, c := range in {
		c.Matches = append([]string(nil), c.Matches...)
		out[i] = c
	}
	return out
}
