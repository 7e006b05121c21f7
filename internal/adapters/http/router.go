package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/scan-grader/internal/config"
	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
	"github.com/kirillkom/scan-grader/internal/observability/metrics"
)

const (
	serviceName  = "api"
	maxBodyBytes = 32 << 20
)

type Router struct {
	cfg       config.Config
	scans     ports.ScanService
	previewer ports.GradePreviewer
	grades    ports.GradeReader
	feedback  ports.FeedbackReporter
	metrics   *metrics.HTTPServerMetrics
	validator *requestValidator
}

// NewRouter panics if the embedded OpenAPI document does not load.
func NewRouter(
	cfg config.Config,
	scans ports.ScanService,
	previewer ports.GradePreviewer,
	grades ports.GradeReader,
	feedback ports.FeedbackReporter,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	rt := &Router{
		cfg:       cfg,
		scans:     scans,
		previewer: previewer,
		grades:    grades,
		feedback:  feedback,
		metrics:   httpMetrics,
	}
	if cfg.APIValidateBodies {
		validator, err := newRequestValidator()
		if err != nil {
			panic(err)
		}
		rt.validator = validator
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/sessions/{key}", rt.startSession)
	mux.HandleFunc("GET /v1/sessions/{key}", rt.resumeSession)
	mux.HandleFunc("DELETE /v1/sessions/{key}", rt.abandonSession)
	mux.HandleFunc("POST /v1/sessions/{key}/pages", rt.addPage)
	mux.HandleFunc("POST /v1/sessions/{key}/identify", rt.identify)
	mux.HandleFunc("POST /v1/sessions/{key}/student", rt.selectStudent)
	mux.HandleFunc("POST /v1/sessions/{key}/extract", rt.extract)
	mux.HandleFunc("POST /v1/sessions/{key}/grade", rt.grade)
	mux.HandleFunc("POST /v1/sessions/{key}/adjudicate", rt.adjudicate)
	mux.HandleFunc("POST /v1/sessions/{key}/finalize", rt.finalize)
	mux.HandleFunc("POST /v1/sessions/{key}/feedback/misconceptions", rt.misconceptionFeedback)

	mux.HandleFunc("GET /v1/grades", rt.listGrades)
	mux.HandleFunc("POST /v1/grades/preview", rt.previewGrade)
	mux.HandleFunc("GET /v1/feedback/summary", rt.feedbackSummary)

	var handler http.Handler = mux
	if rt.validator != nil {
		handler = rt.validator.middleware(handler, rt.reject)
	}
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIInFlightWait, rt.reject)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.reject)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) reject(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejection(serviceName, reason)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	session, err := rt.scans.StartSession(r.Context(), domain.StartSessionCommand{
		Key:         r.PathValue("key"),
		UserID:      req.UserID,
		ClassID:     req.ClassID,
		QuestionIDs: req.QuestionIDs,
	})
	rt.respondSession(w, http.StatusCreated, session, err)
}

func (rt *Router) resumeSession(w http.ResponseWriter, r *http.Request) {
	session, err := rt.scans.Resume(r.Context(), r.PathValue("key"))
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) abandonSession(w http.ResponseWriter, r *http.Request) {
	session, err := rt.scans.Abandon(r.Context(), r.PathValue("key"))
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) addPage(w http.ResponseWriter, r *http.Request) {
	var req addPageRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	mimeType, data, err := domain.DecodeDataURL(req.Image)
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode page image", err))
		return
	}
	if req.MimeType != "" {
		mimeType = req.MimeType
	}
	session, err := rt.scans.AddPage(r.Context(), r.PathValue("key"), domain.AddPageCommand{
		MimeType: mimeType,
		Data:     data,
	})
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) identify(w http.ResponseWriter, r *http.Request) {
	session, err := rt.scans.Identify(r.Context(), r.PathValue("key"))
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) selectStudent(w http.ResponseWriter, r *http.Request) {
	var req selectStudentRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	session, err := rt.scans.SelectStudent(r.Context(), r.PathValue("key"), domain.SelectStudentCommand{
		StudentID:   req.StudentID,
		ClassID:     req.ClassID,
		QuestionIDs: req.QuestionIDs,
	})
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) extract(w http.ResponseWriter, r *http.Request) {
	session, err := rt.scans.Extract(r.Context(), r.PathValue("key"))
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) grade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	cmd := domain.GradeCommand{
		Mode:           domain.GradingMode(req.Mode),
		ManualGrade:    req.ManualScore,
		QuestionPrompt: req.QuestionPrompt,
	}
	if req.AnswerGuideImage != "" {
		_, guide, err := domain.DecodeDataURL(req.AnswerGuideImage)
		if err != nil {
			writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode answer guide", err))
			return
		}
		cmd.AnswerGuideImage = guide
	}
	session, err := rt.scans.Grade(r.Context(), r.PathValue("key"), cmd)
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) adjudicate(w http.ResponseWriter, r *http.Request) {
	var req adjudicateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	session, err := rt.scans.Adjudicate(r.Context(), r.PathValue("key"), domain.AdjudicateCommand{
		Strategy: domain.Strategy(req.Strategy),
		Decline:  req.Decline,
	})
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	session, err := rt.scans.Finalize(r.Context(), r.PathValue("key"), domain.FinalizeCommand{
		OverrideGrade: req.OverrideGrade,
	})
	rt.respondSession(w, http.StatusOK, session, err)
}

func (rt *Router) misconceptionFeedback(w http.ResponseWriter, r *http.Request) {
	var req misconceptionFeedbackRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	stored, err := rt.scans.RecordMisconceptionFeedback(r.Context(), r.PathValue("key"), []domain.MisconceptionVerdict{{
		Strategy:      domain.Strategy(req.Strategy),
		Misconception: req.Misconception,
		Verdict:       domain.Verdict(req.Verdict),
	}})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": stored})
}

func (rt *Router) listGrades(w http.ResponseWriter, r *http.Request) {
	if rt.grades == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "grade store is not configured"})
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "list grades", errors.New("session_id is required")))
		return
	}
	grades, err := rt.grades.ListGrades(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grades": grades})
}

func (rt *Router) previewGrade(w http.ResponseWriter, r *http.Request) {
	var req previewGradeRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	grade, policy, err := rt.previewer.PreviewGrade(r.Context(), req.UserID, req.NormalizationInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewGradeResponse{FinalGrade: grade, Policy: policy})
}

func (rt *Router) feedbackSummary(w http.ResponseWriter, r *http.Request) {
	if rt.feedback == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "feedback ledger is not configured"})
		return
	}
	filter, err := parseFeedbackFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := rt.feedback.Summarize(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": rows})
}

func parseFeedbackFilter(r *http.Request) (domain.FeedbackFilter, error) {
	q := r.URL.Query()
	filter := domain.FeedbackFilter{UserID: strings.TrimSpace(q.Get("user_id"))}
	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.FeedbackFilter{}, domain.WrapError(domain.ErrInvalidInput, "feedback filter", fmt.Errorf("%s: %w", name, err))
		}
		*dst = t
	}
	return filter, nil
}

func (rt *Router) respondSession(w http.ResponseWriter, status int, session *domain.ScanSession, err error) {
	if err != nil && session == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// The step failed but the session moved on; report both.
		code, resp := errorBody(err)
		writeJSON(w, code, sessionErrorResponse{errorResponse: resp, Session: toSessionView(session)})
		return
	}
	writeJSON(w, status, toSessionView(session))
}

// decodeBody reports whether the handler may continue. An empty body is
// accepted when required is false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, required bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF) && !required:
		return true
	case errors.Is(err, io.EOF):
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("request body is required")))
	default:
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode request", err))
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
