package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/store"
)

const readTimeout = 3 * time.Second

// CaseHandler exposes read-only case and scraping-run endpoints.
type CaseHandler struct {
	store   store.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewCaseHandler wires the store and logger.
func NewCaseHandler(st store.Store, logger *zap.Logger) *CaseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseHandler{
		store:   st,
		timeout: readTimeout,
		logger:  logger,
	}
}

type caseDTO struct {
	Case      pipeline.Case       `json:"alert"`
	Evidences []pipeline.Evidence `json:"evidences"`
	Analysis  *pipeline.Analysis  `json:"analysis"`
	Reports   []reportDTO         `json:"reports"`
}

// GetCase handles GET /v1/cases/{case_id}. It returns the case with its
// evidence, analysis and report headers, 400 for malformed IDs, 404 when the
// case is unknown, or 503 when no store is configured.
func (h *CaseHandler) GetCase(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "case store unavailable")
		return
	}
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var dto caseDTO
	err := h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bundle, err := tx.LoadBundle(ctx, caseID)
		if err != nil {
			return err
		}
		reports, err := tx.ReportsForCase(ctx, bundle.Case.ID)
		if err != nil {
			return err
		}
		dto = caseDTO{
			Case:      bundle.Case,
			Evidences: bundle.Evidences,
			Analysis:  bundle.Analysis,
			Reports:   toReportDTOs(reports),
		}
		return nil
	})
	if err != nil {
		h.readFailed(w, "case", err)
		return
	}
	if dto.Evidences == nil {
		dto.Evidences = []pipeline.Evidence{}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListReports handles GET /v1/cases/{case_id}/reports, oldest first.
func (h *CaseHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "case store unavailable")
		return
	}
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var reports []pipeline.Report
	err := h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CaseByUUID(ctx, caseID)
		if err != nil {
			return err
		}
		reports, err = tx.ReportsForCase(ctx, c.ID)
		return err
	})
	if err != nil {
		h.readFailed(w, "case", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": toReportDTOs(reports)})
}

// GetRun handles GET /v1/runs/{run_id}.
func (h *CaseHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "case store unavailable")
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var run pipeline.ScrapingRun
	err = h.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		run, err = tx.RunByUUID(ctx, runID)
		return err
	})
	if err != nil {
		h.readFailed(w, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (h *CaseHandler) readFailed(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("load "+what+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func toReportDTOs(reports []pipeline.Report) []reportDTO {
	out := make([]reportDTO, 0, len(reports))
	for _, r := range reports {
		out = append(out, toReportDTO(r, false))
	}
	return out
}
