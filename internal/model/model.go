package model

import "time"

// Unit is one unit of a course syllabus with its ordered topic names.
type Unit struct {
	Name   string   `json:"name"`
	Topics []string `json:"topics"`
}

// Course represents an uploaded course syllabus. Courses are created once
// from a PDF upload and are read-only afterwards.
type Course struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Units     []Unit    `json:"units"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationTurn is one chat exchange: a student message and the tutor's
// reply. Turns are grouped by a client-generated session token and are never
// mutated or deleted by the analysis pipeline.
type ConversationTurn struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConfusionAnalysis is the stored classification result for one session.
// CourseID is nil when no course in the catalog matched the conversation.
// At most one analysis exists per session token.
type ConfusionAnalysis struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	CourseID        *int64    `json:"course_id"`
	Unit            string    `json:"unit"`
	Topics          []string  `json:"topics"`
	ConfusedTurnIDs []int64   `json:"confused_conversation_ids"`
	CreatedAt       time.Time `json:"created_at"`
}

// QuestionType tags a review question.
type QuestionType string

const (
	QuestionConceptual  QuestionType = "conceptual"
	QuestionCoding      QuestionType = "coding"
	QuestionCalculation QuestionType = "calculation"
)

// ReviewQuestion is a single generated review question.
type ReviewQuestion struct {
	Question string       `json:"question"`
	Type     QuestionType `json:"type"`
	Hint     string       `json:"hint,omitempty"`
}

// ReviewPacket is the transient result of one review request. It is sent to
// the client and not persisted.
type ReviewPacket struct {
	Summary      string           `json:"summary"`
	Questions    []ReviewQuestion `json:"questions"`
	CourseName   string           `json:"course_name"`
	SessionCount int              `json:"session_count"`
}

// ScoreCategory is one of five fixed grading bands.
type ScoreCategory string

const (
	CategoryExcellent        ScoreCategory = "excellent"
	CategoryGood             ScoreCategory = "good"
	CategoryFair             ScoreCategory = "fair"
	CategoryNeedsImprovement ScoreCategory = "needs_improvement"
	CategoryInsufficient     ScoreCategory = "insufficient"
)

// Feedback holds the structured feedback fields of a graded answer.
type Feedback struct {
	Strengths           string `json:"strengths"`
	AreasForImprovement string `json:"areas_for_improvement"`
	Suggestions         string `json:"suggestions"`
	Encouragement       string `json:"encouragement"`
}

// GradingResult is the transient outcome of grading one answer.
type GradingResult struct {
	ScorePercentage   float64       `json:"score_percentage"`
	ScoreCategory     ScoreCategory `json:"score_category"`
	Feedback          Feedback      `json:"feedback"`
	OverallAssessment string        `json:"overall_assessment"`
}

// Stats summarizes the current store contents.
type Stats struct {
	Courses          int `json:"courses"`
	Conversations    int `json:"conversations"`
	Sessions         int `json:"sessions"`
	AnalyzedSessions int `json:"analyzed_sessions"`
}

// Config holds process-wide configuration built once at startup and passed
// explicitly into each component constructor.
type Config struct {
	Addr              string
	DBPath            string
	UploadDir         string
	LLMBaseURL        string
	LLMKey            string
	LLMModel          string
	Lang              string
	HistoryTurns      int // chat history turns sent for context
	MaxUploadBytes    int64
	AdminPasswordHash string // bcrypt hash, empty disables /admin routes
}
