// Package render produces downloadable artifacts for sealed reports.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/osint-shield/internal/forensic"
)

// JSON writes an indented envelope holding the digest and the snapshot.
type JSON struct{}

// Name implements forensic.Renderer.
func (JSON) Name() string { return "json" }

// ContentType implements forensic.Renderer.
func (JSON) ContentType() string { return "application/json" }

// Extension implements forensic.Renderer.
func (JSON) Extension() string { return "json" }

// Render embeds the canonical snapshot verbatim so the digest can be checked
// against the artifact alone.
func (JSON) Render(_ forensic.Snapshot, canonical []byte, digest string) ([]byte, error) {
	envelope := struct {
		Algorithm string          `json:"algorithm"`
		Digest    string          `json:"report_hash"`
		Snapshot  json.RawMessage `json:"snapshot"`
	}{
		Algorithm: "sha256",
		Digest:    digest,
		Snapshot:  json.RawMessage(canonical),
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(envelope); err != nil {
		return nil, fmt.Errorf("encode report envelope: %w", err)
	}
	return buf.Bytes(), nil
}
