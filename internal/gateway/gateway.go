// Package gateway is the boundary to the hosted text-completion service.
// All semantic judgments (classification, confusion detection, review
// generation, grading) are delegated here; callers only shape prompts and
// validate the structured replies.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/confusionbank/internal/gateway/prompts"
	"github.com/pavelanni/confusionbank/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnavailable marks transport or API failures calling the service.
// ErrMalformed marks replies that do not match the expected JSON contract;
// such replies are rejected whole, never partially accepted.
var (
	ErrUnavailable = errors.New("completion service unavailable")
	ErrMalformed   = errors.New("malformed completion output")
)

const chatSystemPrompt = "You are a patient AI tutor helping a student with coursework. " +
	"Explain clearly, use examples, and ask a short check-in question when the student seems lost."

// SessionAnalysis is the classification result for one session transcript.
// CourseID is nil when no catalog course matched.
type SessionAnalysis struct {
	CourseID        *int64
	Unit            string
	Topics          []string
	ConfusedTurnIDs []int64
}

// ReviewTarget is a parsed natural-language review request.
type ReviewTarget struct {
	CourseID *int64
	Unit     string
	Topics   []string
}

// ReviewContent is the generated review material before packaging.
type ReviewContent struct {
	Summary   string
	Questions []model.ReviewQuestion
}

// GradeOutput is the raw grading reply. The grader recomputes the category
// from the score, so ScoreCategory here is advisory only.
type GradeOutput struct {
	ScorePercentage   float64
	ScoreCategory     string
	Feedback          model.Feedback
	OverallAssessment string
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a gateway client for the given endpoint and model.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping verifies the endpoint is reachable and authorized.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Chat produces a tutor reply to the student's message, with prior turns of
// the same session as context.
func (c *Client) Chat(ctx context.Context, message string, history []model.ConversationTurn) (string, error) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: chatSystemPrompt},
	}
	for _, turn := range history {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.UserMessage},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.AIResponse},
		)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   4096,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformed)
	}
	return resp.Choices[0].Message.Content, nil
}

// AnalyzeSession classifies a session transcript against the course catalog
// and flags the turns where the student showed confusion.
func (c *Client) AnalyzeSession(ctx context.Context, turns []model.ConversationTurn, courses []model.Course) (*SessionAnalysis, error) {
	prompt, err := prompts.SessionAnalysis(prompts.SessionAnalysisData{
		CourseCatalog: formatCatalog(courses),
		Transcript:    formatTranscript(turns),
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.completeJSON(ctx, prompt, 2048, 0.2)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		CourseID                *int64   `json:"course_id"`
		Unit                    *string  `json:"unit"`
		Topics                  []string `json:"topics"`
		ConfusedConversationIDs []int64  `json:"confused_conversation_ids"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrMalformed, err, raw)
	}

	result := &SessionAnalysis{
		CourseID:        parsed.CourseID,
		Topics:          parsed.Topics,
		ConfusedTurnIDs: parsed.ConfusedConversationIDs,
	}
	if parsed.Unit != nil {
		result.Unit = *parsed.Unit
	}
	if parsed.CourseID != nil && result.Unit == "" {
		return nil, fmt.Errorf("%w: course match without unit", ErrMalformed)
	}
	return result, nil
}

// ParseReviewRequest maps a free-text review request to a course, unit, and
// topic list from the catalog. A nil CourseID means no catalog entry matched.
func (c *Client) ParseReviewRequest(ctx context.Context, request string, courses []model.Course) (*ReviewTarget, error) {
	prompt, err := prompts.ReviewRequest(prompts.ReviewRequestData{
		CourseCatalog: formatCatalog(courses),
		Request:       request,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.completeJSON(ctx, prompt, 1024, 0.1)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		CourseID *int64   `json:"course_id"`
		Unit     *string  `json:"unit"`
		Topics   []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrMalformed, err, raw)
	}

	target := &ReviewTarget{CourseID: parsed.CourseID, Topics: parsed.Topics}
	if parsed.Unit != nil {
		target.Unit = *parsed.Unit
	}
	return target, nil
}

// ExtractCourseStructure derives the unit/topic structure from raw syllabus
// text.
func (c *Client) ExtractCourseStructure(ctx context.Context, syllabusText string) ([]model.Unit, error) {
	prompt, err := prompts.CourseExtraction(prompts.CourseExtractionData{SyllabusText: syllabusText})
	if err != nil {
		return nil, err
	}

	raw, err := c.completeArray(ctx, prompt, 2048, 0.2)
	if err != nil {
		return nil, err
	}

	var units []model.Unit
	if err := json.Unmarshal([]byte(raw), &units); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrMalformed, err, raw)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no units extracted", ErrMalformed)
	}
	for _, u := range units {
		if u.Name == "" {
			return nil, fmt.Errorf("%w: unit without name", ErrMalformed)
		}
	}
	return units, nil
}

// GenerateReview produces a summary and review questions from confusion
// excerpts.
func (c *Client) GenerateReview(ctx context.Context, excerpts string) (*ReviewContent, error) {
	prompt, err := prompts.ReviewGeneration(prompts.ReviewGenerationData{Context: excerpts})
	if err != nil {
		return nil, err
	}

	raw, err := c.completeJSON(ctx, prompt, 4096, 0.5)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Summary   string                 `json:"summary"`
		Questions []model.ReviewQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrMalformed, err, raw)
	}
	if parsed.Summary == "" || len(parsed.Questions) == 0 {
		return nil, fmt.Errorf("%w: review missing summary or questions", ErrMalformed)
	}
	for i, q := range parsed.Questions {
		if q.Question == "" {
			return nil, fmt.Errorf("%w: empty question at index %d", ErrMalformed, i)
		}
		switch q.Type {
		case model.QuestionConceptual, model.QuestionCoding, model.QuestionCalculation:
		default:
			return nil, fmt.Errorf("%w: unknown question type %q", ErrMalformed, q.Type)
		}
	}
	return &ReviewContent{Summary: parsed.Summary, Questions: parsed.Questions}, nil
}

// GradeAnswer evaluates one student answer. The hint is privileged context
// for the grader, not part of the expected answer.
func (c *Client) GradeAnswer(ctx context.Context, question, questionType, studentAnswer, hint string) (*GradeOutput, error) {
	if hint == "" {
		hint = "No hint provided"
	}
	prompt, err := prompts.AnswerGrading(prompts.AnswerGradingData{
		Question:      question,
		QuestionType:  questionType,
		StudentAnswer: studentAnswer,
		Hint:          hint,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.completeJSON(ctx, prompt, 2048, 0.3)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ScorePercentage   *float64       `json:"score_percentage"`
		ScoreCategory     string         `json:"score_category"`
		Feedback          model.Feedback `json:"feedback"`
		OverallAssessment string         `json:"overall_assessment"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrMalformed, err, raw)
	}
	if parsed.ScorePercentage == nil {
		return nil, fmt.Errorf("%w: missing score_percentage", ErrMalformed)
	}
	if parsed.OverallAssessment == "" {
		return nil, fmt.Errorf("%w: missing overall_assessment", ErrMalformed)
	}
	return &GradeOutput{
		ScorePercentage:   *parsed.ScorePercentage,
		ScoreCategory:     parsed.ScoreCategory,
		Feedback:          parsed.Feedback,
		OverallAssessment: parsed.OverallAssessment,
	}, nil
}

// completeJSON performs one blocking completion call that must return a JSON
// object. No retries: callers surface the failure to the user.
func (c *Client) completeJSON(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformed)
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("completion reply", "raw", raw)
	return extractJSON(raw, "{", "}"), nil
}

// completeArray is completeJSON for replies that are a bare JSON array,
// which the json_object response format does not cover.
func (c *Client) completeArray(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformed)
	}
	return extractJSON(resp.Choices[0].Message.Content, "[", "]"), nil
}

// extractJSON strips markdown fences and surrounding prose so only the JSON
// payload between the outermost open/close delimiters remains.
func extractJSON(raw, openDelim, closeDelim string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "```json"); i >= 0 {
		raw = raw[i+len("```json"):]
		if j := strings.Index(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
		return strings.TrimSpace(raw)
	}
	start := strings.Index(raw, openDelim)
	end := strings.LastIndex(raw, closeDelim)
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// formatCatalog renders the course catalog for classification prompts.
func formatCatalog(courses []model.Course) string {
	var sb strings.Builder
	for _, course := range courses {
		fmt.Fprintf(&sb, "Course %d: %s\n", course.ID, course.Name)
		for _, unit := range course.Units {
			fmt.Fprintf(&sb, "  Unit: %s\n", unit.Name)
			fmt.Fprintf(&sb, "    Topics: %s\n", strings.Join(unit.Topics, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatTranscript renders session turns with their IDs so the analysis can
// reference individual conversations.
func formatTranscript(turns []model.ConversationTurn) string {
	var sb strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&sb, "Conversation %d:\n", turn.ID)
		fmt.Fprintf(&sb, "Student: %s\n", turn.UserMessage)
		fmt.Fprintf(&sb, "AI: %s\n\n", turn.AIResponse)
	}
	return sb.String()
}
