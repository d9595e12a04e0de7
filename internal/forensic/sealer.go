package forensic

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/metrics"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/store"
	"github.com/JakeFAU/osint-shield/internal/telemetry"
)

// Renderer turns a sealed snapshot into a downloadable artifact.
type Renderer interface {
	Name() string
	ContentType() string
	Extension() string
	Render(snap Snapshot, canonical []byte, digest string) ([]byte, error)
}

// Config controls report generation.
type Config struct {
	EngineVersion string
	GeneratedBy   string
	ReportPrefix  string
}

// Sealed describes one persisted report.
type Sealed struct {
	Report      pipeline.Report
	SealedCount int
}

// Sealer assembles, hashes and persists forensic reports.
type Sealer struct {
	store     store.Store
	blobs     pipeline.BlobStore
	renderer  Renderer
	ids       pipeline.IDGenerator
	clock     pipeline.Clock
	publisher pipeline.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewSealer wires a Sealer. blobs and renderer may both be nil, in which case
// reports carry no artifact.
func NewSealer(
	st store.Store,
	blobs pipeline.BlobStore,
	renderer Renderer,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	publisher pipeline.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Sealer {
	if cfg.GeneratedBy == "" {
		cfg.GeneratedBy = "SYSTEM"
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = "reports"
	}
	if publisher == nil {
		publisher = pipeline.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{
		store:     st,
		blobs:     blobs,
		renderer:  renderer,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Seal snapshots the case, persists a new Report and seals every evidence row
// the snapshot references, in one transaction. Sealing the same case again
// produces another Report.
func (s *Sealer) Seal(ctx context.Context, caseUUID uuid.UUID, generatedBy string) (_ Sealed, err error) {
	ctx, span := telemetry.Tracer("forensic").Start(ctx, "forensic.Seal")
	span.SetAttributes(attribute.String("case_uuid", caseUUID.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "seal failed")
		}
		span.End()
	}()

	var bundle pipeline.CaseBundle
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		bundle, err = tx.LoadBundle(ctx, caseUUID)
		return err
	})
	if err != nil {
		return Sealed{}, fmt.Errorf("load case %s: %w", caseUUID, err)
	}

	now := s.clock.Now().UTC()
	snap, err := BuildSnapshot(bundle, s.cfg.EngineVersion, now)
	if err != nil {
		return Sealed{}, err
	}
	canonical, digest, err := Digest(snap)
	if err != nil {
		return Sealed{}, err
	}
	reportID, err := s.ids.NewID()
	if err != nil {
		return Sealed{}, fmt.Errorf("report id: %w", err)
	}

	by := strings.TrimSpace(generatedBy)
	if by == "" {
		by = s.cfg.GeneratedBy
	}
	report := pipeline.Report{
		UUID:            reportID,
		CaseID:          bundle.Case.ID,
		CaseUUID:        bundle.Case.UUID,
		Snapshot:        canonical,
		Digest:          digest,
		SnapshotVersion: SnapshotVersion,
		GeneratedBy:     by,
		GeneratedAt:     now,
	}

	artifactPath, err := s.storeArtifact(ctx, snap, canonical, digest, report)
	if err != nil {
		return Sealed{}, err
	}
	report.ArtifactPath = artifactPath

	var sealed int
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertReport(ctx, &report); err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		n, err := tx.SealEvidence(ctx, bundle.Case.ID, snap.EvidenceIDs(), now)
		if err != nil {
			return fmt.Errorf("seal evidence: %w", err)
		}
		sealed = n
		return nil
	})
	if err != nil {
		if artifactPath != "" {
			if delErr := s.blobs.DeleteObject(context.WithoutCancel(ctx), artifactPath); delErr != nil {
				s.logger.Warn("remove orphaned report artifact", zap.String("path", artifactPath), zap.Error(delErr))
			}
		}
		return Sealed{}, err
	}

	rendererName := "none"
	if s.renderer != nil {
		rendererName = s.renderer.Name()
	}
	metrics.ObserveReportSealed(rendererName)
	s.logger.Info("report sealed",
		zap.String("case_uuid", caseUUID.String()),
		zap.String("report_uuid", report.UUID.String()),
		zap.String("report_hash", digest),
		zap.Int("evidence_sealed", sealed),
	)
	event := pipeline.ReportSealedEvent{
		ReportUUID:   report.UUID.String(),
		CaseUUID:     caseUUID.String(),
		Digest:       digest,
		SealedCount:  sealed,
		ArtifactPath: artifactPath,
		GeneratedAt:  now,
	}
	if _, err := s.publisher.Publish(ctx, pipeline.TopicReportSealed, event); err != nil {
		s.logger.Warn("publish report sealed failed", zap.Error(err))
	}
	return Sealed{Report: report, SealedCount: sealed}, nil
}

func (s *Sealer) storeArtifact(ctx context.Context, snap Snapshot, canonical []byte, digest string, report pipeline.Report) (string, error) {
	if s.renderer == nil || s.blobs == nil {
		return "", nil
	}
	data, err := s.renderer.Render(snap, canonical, digest)
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	p := path.Join(
		strings.Trim(s.cfg.ReportPrefix, "/"),
		report.CaseUUID.String(),
		fmt.Sprintf("report_%s.%s", report.UUID, s.renderer.Extension()),
	)
	if _, err := s.blobs.PutObject(ctx, p, s.renderer.ContentType(), data); err != nil {
		return "", fmt.Errorf("store report artifact: %w", err)
	}
	return p, nil
}

// Report loads one persisted report.
func (s *Sealer) Report(ctx context.Context, reportUUID uuid.UUID) (pipeline.Report, error) {
	var report pipeline.Report
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		report, err = tx.ReportByUUID(ctx, reportUUID)
		return err
	})
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("load report %s: %w", reportUUID, err)
	}
	return report, nil
}
