// Package prompts holds the text templates sent to the completion service.
// Templates are embedded so the binary is self-contained.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.txt
var promptFS embed.FS

var templates = template.Must(template.ParseFS(promptFS, "templates/*.txt"))

// SessionAnalysisData feeds the session_analysis template.
type SessionAnalysisData struct {
	CourseCatalog string
	Transcript    string
}

// ReviewRequestData feeds the review_request template.
type ReviewRequestData struct {
	CourseCatalog string
	Request       string
}

// CourseExtractionData feeds the course_extraction template.
type CourseExtractionData struct {
	SyllabusText string
}

// ReviewGenerationData feeds the review_generation template.
type ReviewGenerationData struct {
	Context string
}

// AnswerGradingData feeds the answer_grading template.
type AnswerGradingData struct {
	Question      string
	QuestionType  string
	StudentAnswer string
	Hint          string
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}

// SessionAnalysis builds the prompt that classifies a session transcript
// against the course catalog and flags confused turns.
func SessionAnalysis(data SessionAnalysisData) (string, error) {
	return render("session_analysis.txt", data)
}

// ReviewRequest builds the prompt that maps a free-text review request to a
// course, unit, and topic list.
func ReviewRequest(data ReviewRequestData) (string, error) {
	return render("review_request.txt", data)
}

// CourseExtraction builds the prompt that extracts a unit/topic structure
// from raw syllabus text.
func CourseExtraction(data CourseExtractionData) (string, error) {
	return render("course_extraction.txt", data)
}

// ReviewGeneration builds the prompt that produces a summary and review
// questions from confusion excerpts.
func ReviewGeneration(data ReviewGenerationData) (string, error) {
	return render("review_generation.txt", data)
}

// AnswerGrading builds the prompt that grades one student answer.
func AnswerGrading(data AnswerGradingData) (string, error) {
	return render("answer_grading.txt", data)
}
