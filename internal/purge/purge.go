// Package purge removes a Case with everything that hangs off it: rows in the
// case store, blobs in the artifact store and dispatch records.
package purge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/dispatchstore"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/store"
)

const citizenPrefix = "CITIZEN_"

// Options narrows a purge.
type Options struct {
	// CitizenOnly refuses, with store.ErrNotFound, Cases not opened from a
	// citizen signal.
	CitizenOnly bool
}

// Result counts what a purge removed.
type Result struct {
	CaseUUID           uuid.UUID `json:"alert_uuid"`
	Reports            int       `json:"deleted_reports_count"`
	Evidence           int       `json:"deleted_evidences_count"`
	Analyses           int       `json:"deleted_analysis_results_count"`
	DeletedFiles       int       `json:"deleted_files_count"`
	FailedFiles        int       `json:"failed_files_count"`
	DeletedDispatches  int       `json:"deleted_shield_actions_count"`
	DispatchCleanupErr string    `json:"dispatch_cleanup_error,omitempty"`
}

// Service purges Cases.
type Service struct {
	store      store.Store
	blobs      pipeline.BlobStore
	dispatches dispatchstore.Store
	// deleteArtifacts toggles blob removal.
	deleteArtifacts bool
	logger          *zap.Logger
}

// New wires a Service. blobs and dispatches may be nil to skip that cleanup.
func New(st store.Store, blobs pipeline.BlobStore, dispatches dispatchstore.Store, deleteArtifacts bool, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, blobs: blobs, dispatches: dispatches, deleteArtifacts: deleteArtifacts, logger: logger}
}

// PurgeCase deletes the Case rows in one transaction, then removes artifact
// blobs and dispatch state. Cleanup after the commit is best effort and only
// counted.
func (s *Service) PurgeCase(ctx context.Context, caseUUID uuid.UUID, opts Options) (Result, error) {
	var (
		counts store.DeleteCounts
		paths  []string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bundle, err := tx.LoadBundle(ctx, caseUUID)
		if err != nil {
			return err
		}
		if opts.CitizenOnly && !strings.HasPrefix(bundle.Case.SourceType, citizenPrefix) {
			return fmt.Errorf("citizen case %s: %w", caseUUID, store.ErrNotFound)
		}
		reports, err := tx.ReportsForCase(ctx, bundle.Case.ID)
		if err != nil {
			return err
		}
		paths = artifactPaths(bundle.Evidences, reports)
		counts, err = tx.DeleteCase(ctx, bundle.Case.ID)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("purge %s: %w", caseUUID, err)
	}

	res := Result{
		CaseUUID: caseUUID,
		Reports:  counts.Reports,
		Evidence: counts.Evidence,
		Analyses: counts.Analyses,
	}
	cleanupCtx := context.WithoutCancel(ctx)
	if s.deleteArtifacts && s.blobs != nil {
		for _, p := range paths {
			if err := s.blobs.DeleteObject(cleanupCtx, p); err != nil {
				res.FailedFiles++
				s.logger.Warn("delete artifact failed", zap.String("path", p), zap.Error(err))
				continue
			}
			res.DeletedFiles++
		}
	}
	if s.dispatches != nil {
		n, err := s.purgeDispatches(cleanupCtx, caseUUID.String())
		res.DeletedDispatches = n
		if err != nil {
			res.DispatchCleanupErr = err.Error()
			s.logger.Warn("dispatch cleanup failed", zap.String("alert_uuid", caseUUID.String()), zap.Error(err))
		}
	}

	s.logger.Info("case purged",
		zap.String("alert_uuid", caseUUID.String()),
		zap.Int("reports", res.Reports),
		zap.Int("evidences", res.Evidence),
		zap.Int("files", res.DeletedFiles),
		zap.Int("dispatches", res.DeletedDispatches),
	)
	return res, nil
}

func (s *Service) purgeDispatches(ctx context.Context, incidentID string) (int, error) {
	ids, err := s.dispatches.Index(ctx, incidentID)
	if err != nil {
		return 0, fmt.Errorf("read dispatch index: %w", err)
	}
	for _, id := range ids {
		if err := s.dispatches.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("delete dispatch %s: %w", id, err)
		}
	}
	if err := s.dispatches.DeleteIndex(ctx, incidentID); err != nil {
		return 0, fmt.Errorf("delete dispatch index: %w", err)
	}
	return len(ids), nil
}

// artifactPaths returns the distinct blob paths referenced by the Case.
func artifactPaths(evidences []pipeline.Evidence, reports []pipeline.Report) []string {
	seen := make(map[string]struct{})
	for _, e := range evidences {
		if p := strings.TrimSpace(e.FilePath); p != "" {
			seen[p] = struct{}{}
		}
	}
	for _, r := range reports {
		if p := strings.TrimSpace(r.ArtifactPath); p != "" {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
