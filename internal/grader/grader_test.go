package grader

import (
	"context"
	"errors"
	"testing"

	"github.com/pavelanni/confusionbank/internal/gateway"
	"github.com/pavelanni/confusionbank/internal/model"
)

type fakeGateway struct {
	out      *gateway.GradeOutput
	err      error
	lastHint string
}

func (f *fakeGateway) GradeAnswer(_ context.Context, _, _, _, hint string) (*gateway.GradeOutput, error) {
	f.lastHint = hint
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func TestGradeDerivesCategoryFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  model.ScoreCategory
	}{
		{100, model.CategoryExcellent},
		{92, model.CategoryExcellent},
		{90, model.CategoryExcellent},
		{89.9, model.CategoryGood},
		{75, model.CategoryGood},
		{74.9, model.CategoryFair},
		{60, model.CategoryFair},
		{59, model.CategoryNeedsImprovement},
		{40, model.CategoryNeedsImprovement},
		{39.9, model.CategoryInsufficient},
		{0, model.CategoryInsufficient},
	}
	for _, tt := range tests {
		gw := &fakeGateway{out: &gateway.GradeOutput{
			ScorePercentage:   tt.score,
			OverallAssessment: "assessed",
		}}
		g := New(gw)
		result, err := g.Grade(context.Background(), "What is a loop?", model.QuestionConceptual, "It repeats code.", "")
		if err != nil {
			t.Fatalf("Grade(%v): %v", tt.score, err)
		}
		if result.ScoreCategory != tt.want {
			t.Errorf("score %v: got %q, want %q", tt.score, result.ScoreCategory, tt.want)
		}
	}
}

func TestGradeScoreOverridesReportedCategory(t *testing.T) {
	// The score wins even when the model labels the answer differently.
	gw := &fakeGateway{out: &gateway.GradeOutput{
		ScorePercentage:   95,
		ScoreCategory:     "insufficient",
		OverallAssessment: "assessed",
	}}
	result, err := New(gw).Grade(context.Background(), "q", model.QuestionCoding, "a", "")
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if result.ScoreCategory != model.CategoryExcellent {
		t.Errorf("got %q, want excellent", result.ScoreCategory)
	}
}

func TestGradeClampsScore(t *testing.T) {
	for _, tt := range []struct {
		in   float64
		want float64
	}{
		{150, 100},
		{-10, 0},
	} {
		gw := &fakeGateway{out: &gateway.GradeOutput{
			ScorePercentage:   tt.in,
			OverallAssessment: "assessed",
		}}
		result, err := New(gw).Grade(context.Background(), "q", model.QuestionCalculation, "a", "")
		if err != nil {
			t.Fatalf("Grade(%v): %v", tt.in, err)
		}
		if result.ScorePercentage != tt.want {
			t.Errorf("score %v: got %v, want %v", tt.in, result.ScorePercentage, tt.want)
		}
	}
}

func TestGradeMissingInput(t *testing.T) {
	g := New(&fakeGateway{})
	if _, err := g.Grade(context.Background(), "", model.QuestionConceptual, "a", ""); !errors.Is(err, ErrMissingInput) {
		t.Errorf("empty question: expected ErrMissingInput, got %v", err)
	}
	if _, err := g.Grade(context.Background(), "q", model.QuestionConceptual, "", ""); !errors.Is(err, ErrMissingInput) {
		t.Errorf("empty answer: expected ErrMissingInput, got %v", err)
	}
}

func TestGradeGatewayFailure(t *testing.T) {
	gw := &fakeGateway{err: gateway.ErrUnavailable}
	_, err := New(gw).Grade(context.Background(), "q", model.QuestionConceptual, "a", "")
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestGradePreservesFeedback(t *testing.T) {
	gw := &fakeGateway{out: &gateway.GradeOutput{
		ScorePercentage: 80,
		Feedback: model.Feedback{
			Strengths:           "clear explanation",
			AreasForImprovement: "mention edge cases",
			Suggestions:         "trace an example",
			Encouragement:       "keep going",
		},
		OverallAssessment: "solid grasp of the basics",
	}}
	result, err := New(gw).Grade(context.Background(), "q", model.QuestionConceptual, "a", "use the definition")
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if result.Feedback.Strengths != "clear explanation" || result.OverallAssessment != "solid grasp of the basics" {
		t.Errorf("feedback not preserved: %+v", result)
	}
	if gw.lastHint != "use the definition" {
		t.Errorf("hint not forwarded, got %q", gw.lastHint)
	}
}
