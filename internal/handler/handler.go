// Package handler exposes the JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/confusionbank/internal/analyzer"
	"github.com/pavelanni/confusionbank/internal/chat"
	"github.com/pavelanni/confusionbank/internal/gateway"
	"github.com/pavelanni/confusionbank/internal/grader"
	appI18n "github.com/pavelanni/confusionbank/internal/i18n"
	"github.com/pavelanni/confusionbank/internal/model"
	"github.com/pavelanni/confusionbank/internal/review"
	"github.com/pavelanni/confusionbank/internal/store"
	"github.com/pavelanni/confusionbank/internal/syllabus"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	chat     *chat.Service
	analyzer *analyzer.Analyzer
	review   *review.Assembler
	grader   *grader.Grader
	syllabus *syllabus.Processor
	config   model.Config
}

// New creates a new Handler.
func New(s *store.Store, c *chat.Service, a *analyzer.Analyzer, r *review.Assembler, g *grader.Grader, p *syllabus.Processor, cfg model.Config) *Handler {
	return &Handler{store: s, chat: c, analyzer: a, review: r, grader: g, syllabus: p, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/upload", h.handleUpload)
	r.Post("/api/chat", h.handleChat)
	r.Get("/api/analysis-status", h.handleAnalysisStatus)
	r.Get("/api/courses", h.handleListCourses)
	r.Get("/api/courses/{courseID}/review-topics", h.handleReviewTopics)
	r.Post("/api/review-request", h.handleReviewRequest)
	r.Get("/api/review/{courseID}/{topic}", h.handleReviewByTopic)
	r.Post("/api/grade-answer", h.handleGradeAnswer)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/run-analysis", h.handleRunAnalysis)
		r.Get("/stats", h.handleStats)
		r.Get("/analyze-session/{sessionID}", h.handleAnalyzeSession)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError emits the uniform error envelope with a localized message.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": appI18n.T(r.Context(), msgID),
	})
}

// writeFailure is writeError for the admin and status surface, which reports
// outcomes with a success flag instead of a status string.
func writeFailure(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": appI18n.T(r.Context(), msgID),
	})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, "MessageRequired")
		return
	}

	reply, err := h.chat.Send(r.Context(), req.SessionID, req.Message)
	if errors.Is(err, chat.ErrEmptySession) {
		writeError(w, r, http.StatusBadRequest, "SessionRequired")
		return
	}
	if err != nil {
		slog.Error("chat failed", "session_id", req.SessionID, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "ChatUnavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "success",
		"response": reply,
	})
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, "InvalidRequest")
		return
	}

	courseName := r.FormValue("course_name")
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "FileRequired")
		return
	}
	defer file.Close()

	course, err := h.syllabus.ProcessUpload(r.Context(), courseName, header.Filename, file)
	switch {
	case errors.Is(err, syllabus.ErrEmptyName):
		writeError(w, r, http.StatusBadRequest, "CourseNameRequired")
		return
	case errors.Is(err, syllabus.ErrNotPDF):
		writeError(w, r, http.StatusBadRequest, "UploadNotPDF")
		return
	case errors.Is(err, syllabus.ErrNoText):
		writeError(w, r, http.StatusUnprocessableEntity, "UploadNoText")
		return
	case err != nil:
		slog.Error("syllabus upload failed", "course", courseName, "error", err)
		writeError(w, r, http.StatusBadGateway, "UploadFailed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"course_id": course.ID,
		"course":    course,
		"message": appI18n.Td(r.Context(), "CourseCreated", map[string]any{
			"Name":  course.Name,
			"Units": len(course.Units),
		}),
	})
}

func (h *Handler) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.analyzer.FindUnanalyzedSessions()
	if err != nil {
		slog.Error("analysis status failed", "error", err)
		writeFailure(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	stats, err := h.store.Stats()
	if err != nil {
		slog.Error("analysis status failed", "error", err)
		writeFailure(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"needs_analysis":      len(sessions) > 0,
		"unanalyzed_count":    len(sessions),
		"unanalyzed_sessions": sessions,
		"total_sessions":      stats.Sessions,
		"analyzed_sessions":   stats.AnalyzedSessions,
		"total_conversations": stats.Conversations,
	})
}

func (h *Handler) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.store.ListCourses()
	if err != nil {
		slog.Error("list courses failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	if courses == nil {
		courses = []model.Course{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"courses": courses,
	})
}

func (h *Handler) handleReviewTopics(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	info, err := h.review.AvailableTopics(courseID)
	if errors.Is(err, review.ErrNoSuchCourse) {
		writeError(w, r, http.StatusNotFound, "CourseNotFound")
		return
	}
	if err != nil {
		slog.Error("review topics failed", "course_id", courseID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"course_name":      info.CourseName,
		"available_units":  info.Units,
		"available_topics": info.Topics,
		"session_count":    info.SessionCount,
	})
}

func (h *Handler) handleReviewRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Request string `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Request == "" {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	packet, err := h.review.FromRequest(r.Context(), req.Request)
	h.writeReviewResult(w, r, packet, err)
}

func (h *Handler) handleReviewByTopic(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	topic := chi.URLParam(r, "topic")

	packet, err := h.review.ByCriteria(r.Context(), courseID, "", []string{topic})
	h.writeReviewResult(w, r, packet, err)
}

// writeReviewResult maps review outcomes onto the API. An empty packet is a
// success with an explanatory message, not an error.
func (h *Handler) writeReviewResult(w http.ResponseWriter, r *http.Request, packet *model.ReviewPacket, err error) {
	switch {
	case errors.Is(err, review.ErrNoSuchCourse):
		writeError(w, r, http.StatusNotFound, "CourseNotFound")
		return
	case errors.Is(err, review.ErrUnresolvedRequest):
		writeError(w, r, http.StatusNotFound, "RequestNotUnderstood")
		return
	case errors.Is(err, review.ErrGenerationFailed):
		slog.Error("review generation failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "ReviewFailed")
		return
	case err != nil:
		slog.Error("review failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	resp := map[string]any{
		"status": "success",
		"content": map[string]any{
			"summary":   packet.Summary,
			"questions": packet.Questions,
		},
		"metadata": map[string]any{
			"session_count": packet.SessionCount,
			"course_name":   packet.CourseName,
		},
	}
	if packet.SessionCount == 0 {
		resp["message"] = appI18n.Td(r.Context(), "NoConfusionFound", map[string]any{
			"Course": packet.CourseName,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGradeAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question     string             `json:"question"`
		QuestionType model.QuestionType `json:"question_type"`
		Answer       string             `json:"student_answer"`
		Hint         string             `json:"hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	result, err := h.grader.Grade(r.Context(), req.Question, req.QuestionType, req.Answer, req.Hint)
	switch {
	case errors.Is(err, grader.ErrMissingInput):
		writeError(w, r, http.StatusBadRequest, "AnswerRequired")
		return
	case err != nil:
		slog.Error("grading failed", "error", err)
		writeError(w, r, http.StatusBadGateway, "GradingFailed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"grading": result,
	})
}

func (h *Handler) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	result, err := h.analyzer.RunBatch(r.Context())
	if err != nil {
		slog.Error("batch analysis failed", "error", err)
		writeFailure(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"analyzed": result.Analyzed,
		"failed":   result.Failed,
		"failures": result.Failures,
		"message":  appI18n.Tp(r.Context(), "SessionsAnalyzed", result.Analyzed),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		slog.Error("stats failed", "error", err)
		writeFailure(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	recent, err := h.store.RecentSessions(20)
	if err != nil {
		slog.Error("stats failed", "error", err)
		writeFailure(w, r, http.StatusInternalServerError, "InternalError")
		return
	}
	if recent == nil {
		recent = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":           stats,
		"recent_sessions": recent,
	})
}

func (h *Handler) handleAnalyzeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	force := r.URL.Query().Get("force") == "1"

	err := h.analyzer.AnalyzeSession(r.Context(), sessionID, force)
	switch {
	case errors.Is(err, analyzer.ErrNoTurns):
		writeFailure(w, r, http.StatusNotFound, "InvalidRequest")
		return
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrMalformed):
		slog.Error("session analysis failed", "session_id", sessionID, "error", err)
		writeFailure(w, r, http.StatusBadGateway, "InternalError")
		return
	case err != nil:
		slog.Error("session analysis failed", "session_id", sessionID, "error", err)
		writeFailure(w, r, http.StatusInternalServerError, "InternalError")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": sessionID,
		"forced":     force,
	})
}
