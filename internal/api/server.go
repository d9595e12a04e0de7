// Package api exposes the HTTP interface of the fraud-signal pipeline.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/config"
	"github.com/JakeFAU/osint-shield/internal/forensic"
	"github.com/JakeFAU/osint-shield/internal/incident"
	"github.com/JakeFAU/osint-shield/internal/intake"
	"github.com/JakeFAU/osint-shield/internal/metrics"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/purge"
	"github.com/JakeFAU/osint-shield/internal/store"
)

const (
	operatorSecretHeader = "X-Operator-Secret"
	apiKeyHeader         = "X-API-Key"
	readyTimeout         = 2 * time.Second
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the domain services behind the routes.
type Services struct {
	Store     store.Store
	Intake    *intake.Service
	Sealer    *forensic.Sealer
	Incidents *incident.Service
	Purge     *purge.Service
	// Ready lists the dependencies checked by /readyz.
	Ready map[string]Pinger
}

// Server wires HTTP handlers to the pipeline services.
type Server struct {
	router chi.Router
	svc    Services
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Services, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, cfg: cfg, logger: logger}
	cases := NewCaseHandler(svc.Store, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	timeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))

		r.With(operatorSecretMiddleware(cfg.Auth.OperatorSecret)).Post("/operator/callback", s.operatorCallback)

		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Post("/tasks", s.submitTask)
			r.Get("/runs/{run_id}", cases.GetRun)
			r.Post("/signals", s.reportSignal)
			r.Post("/dispatches", s.dispatch)
			r.Route("/cases/{case_id}", func(r chi.Router) {
				r.Get("/", cases.GetCase)
				r.Delete("/", s.purgeCase)
				r.Post("/evidence", s.attachEvidence)
				r.Post("/decision", s.decide)
				r.Post("/reports", s.sealReport)
				r.Get("/reports", cases.ListReports)
				r.Get("/dispatches", s.timeline)
			})
			r.Route("/reports/{report_id}", func(r chi.Router) {
				r.Get("/", s.getReport)
				r.Get("/verify", s.verifyReport)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, p := range s.svc.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req intake.TaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := s.svc.Intake.SubmitTask(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) reportSignal(w http.ResponseWriter, r *http.Request) {
	var req intake.SignalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := s.svc.Intake.ReportSignal(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// attachEvidence accepts either a multipart form with a "file" field or the
// raw file as the request body.
func (s *Server) attachEvidence(w http.ResponseWriter, r *http.Request) {
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	limit := int64(s.cfg.Server.MaxUploadBytes)
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	req := intake.UploadRequest{CaseUUID: caseID}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		req.Data, req.ContentType, req.Filename, err = readMultipartFile(r, limit)
	} else {
		req.ContentType = r.Header.Get("Content-Type")
		req.Filename = r.URL.Query().Get("filename")
		req.Data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	receipt, err := s.svc.Intake.AttachEvidence(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	var req incident.DecisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.svc.Incidents.Decide(r.Context(), caseID, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sealRequest struct {
	GeneratedBy string `json:"generated_by"`
}

func (s *Server) sealReport(w http.ResponseWriter, r *http.Request) {
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	var req sealRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	sealed, err := s.svc.Sealer.Seal(r.Context(), caseID, req.GeneratedBy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"report":          toReportDTO(sealed.Report, false),
		"evidence_sealed": sealed.SealedCount,
	})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	reportID, ok := uuidParam(w, r, "report_id")
	if !ok {
		return
	}
	report, err := s.svc.Sealer.Report(r.Context(), reportID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report, true))
}

// verifyReport answers 200 with valid=false on a digest mismatch; the
// mismatch is a finding, not a request error.
func (s *Server) verifyReport(w http.ResponseWriter, r *http.Request) {
	reportID, ok := uuidParam(w, r, "report_id")
	if !ok {
		return
	}
	v, err := s.svc.Sealer.Verify(r.Context(), reportID)
	if err != nil && !errors.Is(err, forensic.ErrDigestMismatch) {
		s.fail(w, r, err)
		return
	}
	if !v.Valid {
		s.logger.Warn("report digest mismatch", zap.String("report_uuid", reportID.String()))
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req incident.DispatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.svc.Incidents.Dispatch(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) operatorCallback(w http.ResponseWriter, r *http.Request) {
	var req incident.CallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.svc.Incidents.Callback(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request) {
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	tl, err := s.svc.Incidents.Timeline(r.Context(), caseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

func (s *Server) purgeCase(w http.ResponseWriter, r *http.Request) {
	caseID, ok := uuidParam(w, r, "case_id")
	if !ok {
		return
	}
	citizenOnly, _ := strconv.ParseBool(r.URL.Query().Get("citizen_only"))
	res, err := s.svc.Purge.PurgeCase(r.Context(), caseID, purge.Options{CitizenOnly: citizenOnly})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps domain errors to status codes. Unexpected errors are logged and
// answered with a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, intake.ErrInvalidInput),
		errors.Is(err, incident.ErrInvalidAction),
		errors.Is(err, incident.ErrInvalidDecision),
		errors.Is(err, incident.ErrInvalidStatus),
		errors.Is(err, incident.ErrNoteRequired):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, incident.ErrDispatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrPrecondition),
		errors.Is(err, incident.ErrDispatchMismatch),
		errors.Is(err, store.ErrEvidenceSealed),
		errors.Is(err, store.ErrDuplicateEvidence):
		return http.StatusConflict
	case errors.Is(err, intake.ErrEnqueue):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type reportDTO struct {
	UUID            uuid.UUID       `json:"uuid"`
	CaseUUID        uuid.UUID       `json:"case_uuid"`
	Digest          string          `json:"report_hash"`
	SnapshotVersion string          `json:"snapshot_version"`
	ArtifactPath    string          `json:"artifact_path,omitempty"`
	GeneratedBy     string          `json:"generated_by"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Snapshot        json.RawMessage `json:"snapshot,omitempty"`
}

func toReportDTO(r pipeline.Report, withSnapshot bool) reportDTO {
	dto := reportDTO{
		UUID:            r.UUID,
		CaseUUID:        r.CaseUUID,
		Digest:          r.Digest,
		SnapshotVersion: r.SnapshotVersion,
		ArtifactPath:    r.ArtifactPath,
		GeneratedBy:     r.GeneratedBy,
		GeneratedAt:     r.GeneratedAt,
	}
	if withSnapshot && json.Valid(r.Snapshot) {
		dto.Snapshot = json.RawMessage(r.Snapshot)
	}
	return dto
}

func readMultipartFile(r *http.Request, limit int64) ([]byte, string, string, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, "", "", err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", "", err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", "", err
	}
	return data, header.Header.Get("Content-Type"), header.Filename, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.UUID{}, false
	}
	return id, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if !secretEqual(key, expected) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// operatorSecretMiddleware guards the operator callback. With no secret
// configured the endpoint is closed.
func operatorSecretMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				writeError(w, http.StatusServiceUnavailable, "operator callback is not configured")
				return
			}
			if !secretEqual(r.Header.Get(operatorSecretHeader), expected) {
				writeError(w, http.StatusUnauthorized, "invalid operator secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secretEqual(got, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(expected)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
