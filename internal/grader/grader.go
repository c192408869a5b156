// Package grader scores free-text answers to review questions.
package grader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/confusionbank/internal/gateway"
	"github.com/pavelanni/confusionbank/internal/model"
)

// ErrMissingInput is returned when the question or answer is empty.
var ErrMissingInput = errors.New("question and answer are required")

// Gateway is the completion-service surface the grader needs.
type Gateway interface {
	GradeAnswer(ctx context.Context, question, questionType, studentAnswer, hint string) (*gateway.GradeOutput, error)
}

// Grader evaluates student answers. It holds no state between calls; a
// grading result is returned to the caller and never persisted.
type Grader struct {
	gw Gateway
}

// New creates a Grader.
func New(gw Gateway) *Grader {
	return &Grader{gw: gw}
}

// Grade scores one answer against its question. The numeric score is ground
// truth: the category is always derived from it locally, and any category
// the completion service reported is discarded. Scores outside 0..100 are
// clamped before categorization.
func (g *Grader) Grade(ctx context.Context, question string, questionType model.QuestionType, studentAnswer, hint string) (*model.GradingResult, error) {
	if question == "" || studentAnswer == "" {
		return nil, ErrMissingInput
	}

	out, err := g.gw.GradeAnswer(ctx, question, string(questionType), studentAnswer, hint)
	if err != nil {
		return nil, fmt.Errorf("grade answer: %w", err)
	}

	score := clamp(out.ScorePercentage)
	category := CategoryForScore(score)
	if out.ScoreCategory != "" && out.ScoreCategory != string(category) {
		slog.Debug("overriding reported score category",
			"reported", out.ScoreCategory, "derived", category, "score", score)
	}

	return &model.GradingResult{
		ScorePercentage:   score,
		ScoreCategory:     category,
		Feedback:          out.Feedback,
		OverallAssessment: out.OverallAssessment,
	}, nil
}

// CategoryForScore maps a score in 0..100 onto the five grading bands.
func CategoryForScore(score float64) model.ScoreCategory {
	switch {
	case score >= 90:
		return model.CategoryExcellent
	case score >= 75:
		return model.CategoryGood
	case score >= 60:
		return model.CategoryFair
	case score >= 40:
		return model.CategoryNeedsImprovement
	default:
		return model.CategoryInsufficient
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
