package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

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

// fakeLLM satisfies every service's gateway interface so one fake can back
// the whole handler.
type fakeLLM struct {
	chatErr  error
	analysis *gateway.SessionAnalysis
	target   *gateway.ReviewTarget
}

func (f *fakeLLM) Chat(_ context.Context, message string, _ []model.ConversationTurn) (string, error) {
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return "reply to: " + message, nil
}

func (f *fakeLLM) AnalyzeSession(_ context.Context, _ []model.ConversationTurn, _ []model.Course) (*gateway.SessionAnalysis, error) {
	if f.analysis != nil {
		return f.analysis, nil
	}
	return &gateway.SessionAnalysis{}, nil
}

func (f *fakeLLM) ParseReviewRequest(_ context.Context, _ string, _ []model.Course) (*gateway.ReviewTarget, error) {
	if f.target != nil {
		return f.target, nil
	}
	return &gateway.ReviewTarget{}, nil
}

func (f *fakeLLM) GenerateReview(_ context.Context, _ string) (*gateway.ReviewContent, error) {
	return &gateway.ReviewContent{
		Summary:   "summary",
		Questions: []model.ReviewQuestion{{Question: "q1", Type: model.QuestionConceptual}},
	}, nil
}

func (f *fakeLLM) ExtractCourseStructure(_ context.Context, _ string) ([]model.Unit, error) {
	return []model.Unit{{Name: "U1", Topics: []string{"loops"}}}, nil
}

func (f *fakeLLM) GradeAnswer(_ context.Context, _, _, _, _ string) (*gateway.GradeOutput, error) {
	return &gateway.GradeOutput{ScorePercentage: 85, OverallAssessment: "good work"}, nil
}

func newTestRouter(t *testing.T, llm *fakeLLM, adminHash string) (*chi.Mux, *store.Store) {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := model.Config{
		HistoryTurns:      10,
		MaxUploadBytes:    1 << 20,
		UploadDir:         t.TempDir(),
		Lang:              "en",
		AdminPasswordHash: adminHash,
	}
	h := New(s,
		chat.New(s, llm, cfg.HistoryTurns),
		analyzer.New(s, llm),
		review.New(s, llm),
		grader.New(llm),
		syllabus.New(s, llm, cfg.UploadDir),
		cfg)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware(cfg.Lang))
	h.Routes(r)
	return r, s
}

func adminHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestChatEndpoint(t *testing.T) {
	r, s := newTestRouter(t, &fakeLLM{}, "")

	rec := doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{
		"session_id": "sess-1",
		"message":    "what is a loop?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	if resp["status"] != "success" || resp["response"] != "reply to: what is a loop?" {
		t.Errorf("unexpected response: %v", resp)
	}

	turns, err := s.GetSessionTurns("sess-1")
	if err != nil || len(turns) != 1 {
		t.Errorf("exchange not stored: %v, %v", turns, err)
	}
}

func TestChatMissingSession(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	rec := doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	if resp["status"] != "error" || resp["message"] == "" {
		t.Errorf("expected error envelope, got %v", resp)
	}
}

func TestChatUnavailable(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{chatErr: gateway.ErrUnavailable}, "")

	rec := doJSON(t, r, http.MethodPost, "/api/chat", map[string]string{
		"session_id": "sess-1",
		"message":    "hi",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeMap(t, rec); resp["status"] != "error" {
		t.Errorf("expected error envelope, got %v", resp)
	}
}

func TestAnalysisStatusEmpty(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	rec := doJSON(t, r, http.MethodGet, "/api/analysis-status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeMap(t, rec)
	if resp["success"] != true || resp["needs_analysis"] != false {
		t.Errorf("unexpected status payload: %v", resp)
	}
	if resp["unanalyzed_count"] != float64(0) {
		t.Errorf("expected unanalyzed_count 0, got %v", resp["unanalyzed_count"])
	}
	// Empty list, not null.
	if !strings.Contains(rec.Body.String(), `"unanalyzed_sessions":[]`) {
		t.Errorf("expected empty array in %s", rec.Body.String())
	}
}

func TestReviewByTopicNoData(t *testing.T) {
	r, s := newTestRouter(t, &fakeLLM{}, "")
	courseID, err := s.SaveCourse("CS101", []model.Unit{{Name: "U1", Topics: []string{"loops"}}})
	if err != nil {
		t.Fatalf("SaveCourse: %v", err)
	}

	rec := doJSON(t, r, http.MethodGet, "/api/review/"+itoa(courseID)+"/loops", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	metadata, ok := resp["metadata"].(map[string]any)
	if !ok || metadata["session_count"] != float64(0) {
		t.Errorf("expected 0 sessions, got %v", resp)
	}
	if resp["message"] == "" || resp["message"] == nil {
		t.Error("empty review should carry an explanatory message")
	}
}

func TestReviewByTopicUnknownCourse(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	rec := doJSON(t, r, http.MethodGet, "/api/review/999/loops", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReviewByTopicWithData(t *testing.T) {
	r, s := newTestRouter(t, &fakeLLM{}, "")
	courseID, err := s.SaveCourse("CS101", []model.Unit{{Name: "U1", Topics: []string{"loops"}}})
	if err != nil {
		t.Fatalf("SaveCourse: %v", err)
	}
	turnID, err := s.SaveConversation("sess-1", "loops confuse me", "Let us go step by step.")
	if err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	if _, err := s.SaveConfusionAnalysis(model.ConfusionAnalysis{
		SessionID:       "sess-1",
		CourseID:        &courseID,
		Unit:            "U1",
		Topics:          []string{"loops"},
		ConfusedTurnIDs: []int64{turnID},
	}, false); err != nil {
		t.Fatalf("SaveConfusionAnalysis: %v", err)
	}

	rec := doJSON(t, r, http.MethodGet, "/api/review/"+itoa(courseID)+"/loops", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	content, ok := resp["content"].(map[string]any)
	if !ok || content["summary"] != "summary" {
		t.Errorf("unexpected content: %v", resp)
	}
	metadata, ok := resp["metadata"].(map[string]any)
	if !ok || metadata["session_count"] != float64(1) || metadata["course_name"] != "CS101" {
		t.Errorf("unexpected metadata: %v", resp)
	}
}

func TestReviewRequestUnresolved(t *testing.T) {
	r, s := newTestRouter(t, &fakeLLM{}, "")
	if _, err := s.SaveCourse("CS101", []model.Unit{{Name: "U1", Topics: []string{"loops"}}}); err != nil {
		t.Fatalf("SaveCourse: %v", err)
	}

	rec := doJSON(t, r, http.MethodPost, "/api/review-request", map[string]string{
		"request": "quiz me on knitting",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeMap(t, rec); resp["status"] != "error" {
		t.Errorf("expected error envelope, got %v", resp)
	}
}

func TestGradeAnswerEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	rec := doJSON(t, r, http.MethodPost, "/api/grade-answer", map[string]string{
		"question":       "What is a loop?",
		"question_type":  "conceptual",
		"student_answer": "It repeats code until a condition fails.",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	grading, ok := resp["grading"].(map[string]any)
	if !ok {
		t.Fatalf("missing grading in %v", resp)
	}
	// Category derived from the 85 score, not reported by the model.
	if grading["score_category"] != "good" {
		t.Errorf("expected category good, got %v", grading["score_category"])
	}
}

func TestGradeAnswerMissingFields(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	rec := doJSON(t, r, http.MethodPost, "/api/grade-answer", map[string]string{
		"question": "What is a loop?",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("course_name", "CS101"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte("plain text, not a pdf")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeMap(t, rec); resp["status"] != "error" {
		t.Errorf("expected error envelope, got %v", resp)
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, adminHash(t))

	rec := doJSON(t, r, http.MethodGet, "/admin/stats", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid credentials: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	r, _ := newTestRouter(t, &fakeLLM{}, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.SetBasicAuth("admin", "anything")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when admin is disabled", rec.Code)
	}
}

func TestAdminRunAnalysis(t *testing.T) {
	llm := &fakeLLM{}
	r, s := newTestRouter(t, llm, adminHash(t))
	if _, err := s.SaveCourse("CS101", []model.Unit{{Name: "U1", Topics: []string{"loops"}}}); err != nil {
		t.Fatalf("SaveCourse: %v", err)
	}
	if _, err := s.SaveConversation("sess-1", "q1", "a1"); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/run-analysis", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeMap(t, rec)
	if resp["success"] != true || resp["analyzed"] != float64(1) {
		t.Errorf("unexpected result: %v", resp)
	}
	if resp["message"] != "1 session analyzed." {
		t.Errorf("unexpected message: %v", resp["message"])
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
