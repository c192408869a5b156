// Package review assembles review packets from stored confusion analyses.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pavelanni/confusionbank/internal/gateway"
	"github.com/pavelanni/confusionbank/internal/model"
	"github.com/pavelanni/confusionbank/internal/store"
)

var (
	// ErrNoSuchCourse is returned for an unknown course identifier.
	ErrNoSuchCourse = errors.New("no such course")
	// ErrUnresolvedRequest is returned when a natural-language request maps
	// to nothing in the course catalog.
	ErrUnresolvedRequest = errors.New("review request matched no known course or topic")
	// ErrGenerationFailed is returned when the completion service could not
	// produce review content. No partial packet accompanies it.
	ErrGenerationFailed = errors.New("review generation failed")
)

// responseExcerptLen caps how much of a tutor reply goes into the review
// prompt for each confused turn.
const responseExcerptLen = 200

// Gateway is the completion-service surface the assembler needs.
type Gateway interface {
	ParseReviewRequest(ctx context.Context, request string, courses []model.Course) (*gateway.ReviewTarget, error)
	GenerateReview(ctx context.Context, excerpts string) (*gateway.ReviewContent, error)
}

// Assembler resolves review requests into packets of summary plus questions.
type Assembler struct {
	store *store.Store
	gw    Gateway
}

// New creates an Assembler.
func New(s *store.Store, gw Gateway) *Assembler {
	return &Assembler{store: s, gw: gw}
}

// ByCriteria builds a review packet for an explicit course/unit/topic
// selection. Zero matching sessions is not an error: the packet comes back
// empty so the UI can distinguish "nothing recorded yet" from a failure.
func (r *Assembler) ByCriteria(ctx context.Context, courseID int64, unit string, topics []string) (*model.ReviewPacket, error) {
	course, err := r.store.GetCourse(courseID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCourse, courseID)
	}
	if err != nil {
		return nil, fmt.Errorf("load course: %w", err)
	}

	sessions, err := r.store.FindConfusionSessions(courseID, unit, topics)
	if err != nil {
		return nil, fmt.Errorf("find confusion sessions: %w", err)
	}
	if len(sessions) == 0 {
		return &model.ReviewPacket{
			Questions:    []model.ReviewQuestion{},
			CourseName:   course.Name,
			SessionCount: 0,
		}, nil
	}
	slog.Info("assembling review", "course", course.Name, "sessions", len(sessions))

	excerpts, err := r.buildExcerpts(sessions)
	if err != nil {
		return nil, err
	}

	content, err := r.gw.GenerateReview(ctx, excerpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	return &model.ReviewPacket{
		Summary:      content.Summary,
		Questions:    content.Questions,
		CourseName:   course.Name,
		SessionCount: len(sessions),
	}, nil
}

// FromRequest builds a review packet from a free-text request by first
// resolving it against the course catalog. Unlike explicit mode the resolved
// filter may span several topics and units.
func (r *Assembler) FromRequest(ctx context.Context, request string) (*model.ReviewPacket, error) {
	courses, err := r.store.ListCourses()
	if err != nil {
		return nil, fmt.Errorf("load courses: %w", err)
	}
	if len(courses) == 0 {
		return nil, ErrUnresolvedRequest
	}

	target, err := r.gw.ParseReviewRequest(ctx, request, courses)
	if err != nil {
		return nil, fmt.Errorf("parse review request: %w", err)
	}
	if target.CourseID == nil {
		return nil, ErrUnresolvedRequest
	}
	slog.Info("resolved review request",
		"course_id", *target.CourseID, "unit", target.Unit, "topics", target.Topics)

	return r.ByCriteria(ctx, *target.CourseID, target.Unit, target.Topics)
}

// buildExcerpts gathers the flagged turns of each session, with enough of
// the tutor's reply for the generation prompt to stay coherent.
func (r *Assembler) buildExcerpts(sessionIDs []string) (string, error) {
	var sb strings.Builder
	for _, sessionID := range sessionIDs {
		analysis, err := r.store.GetConfusionAnalysis(sessionID)
		if err != nil {
			return "", fmt.Errorf("load analysis for %s: %w", sessionID, err)
		}
		if analysis == nil {
			continue
		}
		turns, err := r.store.GetSessionTurns(sessionID)
		if err != nil {
			return "", fmt.Errorf("load turns for %s: %w", sessionID, err)
		}

		fmt.Fprintf(&sb, "Session %s:\n", sessionID)
		if analysis.Unit != "" {
			fmt.Fprintf(&sb, "Unit: %s\n", analysis.Unit)
		}
		if len(analysis.Topics) > 0 {
			fmt.Fprintf(&sb, "Topics: %s\n", strings.Join(analysis.Topics, ", "))
		}

		flagged := make(map[int64]bool, len(analysis.ConfusedTurnIDs))
		for _, id := range analysis.ConfusedTurnIDs {
			flagged[id] = true
		}
		for _, turn := range turns {
			if !flagged[turn.ID] {
				continue
			}
			fmt.Fprintf(&sb, "  Confused about: %s\n", turn.UserMessage)
			fmt.Fprintf(&sb, "  Response: %s\n", truncate(turn.AIResponse, responseExcerptLen))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// TopicsInfo lists what a course's confusion records can be reviewed on.
type TopicsInfo struct {
	CourseName   string   `json:"course_name"`
	Units        []string `json:"available_units"`
	Topics       []string `json:"available_topics"`
	SessionCount int      `json:"session_count"`
}

// AvailableTopics returns the distinct units and topics with recorded
// confusion for a course.
func (r *Assembler) AvailableTopics(courseID int64) (*TopicsInfo, error) {
	course, err := r.store.GetCourse(courseID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCourse, courseID)
	}
	if err != nil {
		return nil, fmt.Errorf("load course: %w", err)
	}

	sessions, err := r.store.FindConfusionSessions(courseID, "", nil)
	if err != nil {
		return nil, fmt.Errorf("find confusion sessions: %w", err)
	}

	units := map[string]bool{}
	topics := map[string]bool{}
	for _, sessionID := range sessions {
		analysis, err := r.store.GetConfusionAnalysis(sessionID)
		if err != nil {
			return nil, fmt.Errorf("load analysis for %s: %w", sessionID, err)
		}
		if analysis == nil {
			continue
		}
		if analysis.Unit != "" {
			units[analysis.Unit] = true
		}
		for _, topic := range analysis.Topics {
			topics[topic] = true
		}
	}

	return &TopicsInfo{
		CourseName:   course.Name,
		Units:        sortedKeys(units),
		Topics:       sortedKeys(topics),
		SessionCount: len(sessions),
	}, nil
}

// Summary counts confusion points matching the criteria, for review
// planning without generating content.
type Summary struct {
	SessionCount   int      `json:"session_count"`
	ConfusionCount int      `json:"confusion_count"`
	Units          []string `json:"units_with_confusion"`
	Topics         []string `json:"topics_with_confusion"`
}

// Summarize tallies confusion points for the given criteria.
func (r *Assembler) Summarize(courseID int64, unit string, topics []string) (*Summary, error) {
	sessions, err := r.store.FindConfusionSessions(courseID, unit, topics)
	if err != nil {
		return nil, fmt.Errorf("find confusion sessions: %w", err)
	}

	summary := &Summary{SessionCount: len(sessions)}
	units := map[string]bool{}
	allTopics := map[string]bool{}
	for _, sessionID := range sessions {
		analysis, err := r.store.GetConfusionAnalysis(sessionID)
		if err != nil {
			return nil, fmt.Errorf("load analysis for %s: %w", sessionID, err)
		}
		if analysis == nil {
			continue
		}
		summary.ConfusionCount += len(analysis.ConfusedTurnIDs)
		if analysis.Unit != "" {
			units[analysis.Unit] = true
		}
		for _, topic := range analysis.Topics {
			allTopics[topic] = true
		}
	}
	summary.Units = sortedKeys(units)
	summary.Topics = sortedKeys(allTopics)
	return summary, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
