// Package analyzer classifies finished chat sessions against the course
// catalog and records which turns showed confusion.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/confusionbank/internal/gateway"
	"github.com/pavelanni/confusionbank/internal/model"
	"github.com/pavelanni/confusionbank/internal/store"
)

var (
	// ErrNoTurns is returned when a session token has no conversations.
	ErrNoTurns = errors.New("session has no conversations")
	// ErrNoCourses is returned when the catalog is empty; classification
	// needs at least one course to match against.
	ErrNoCourses = errors.New("no courses available for classification")
)

// Gateway is the completion-service surface the analyzer needs.
type Gateway interface {
	AnalyzeSession(ctx context.Context, turns []model.ConversationTurn, courses []model.Course) (*gateway.SessionAnalysis, error)
}

// Analyzer runs confusion analysis over stored sessions.
type Analyzer struct {
	store *store.Store
	gw    Gateway
}

// New creates an Analyzer.
func New(s *store.Store, gw Gateway) *Analyzer {
	return &Analyzer{store: s, gw: gw}
}

// FindUnanalyzedSessions returns session tokens with conversations but no
// analysis record, based solely on current store contents.
func (a *Analyzer) FindUnanalyzedSessions() ([]string, error) {
	return a.store.UnanalyzedSessions()
}

// AnalyzeSession classifies one session and persists the result. Without
// force, an already-analyzed session is a no-op, never a re-classification.
// A failed or malformed gateway call leaves the session unanalyzed: no
// partial record is written.
func (a *Analyzer) AnalyzeSession(ctx context.Context, sessionID string, force bool) error {
	if !force {
		needs, err := a.store.SessionNeedsAnalysis(sessionID)
		if err != nil {
			return fmt.Errorf("check analysis status: %w", err)
		}
		if !needs {
			slog.Debug("session already analyzed, skipping", "session_id", sessionID)
			return nil
		}
	}

	turns, err := a.store.GetSessionTurns(sessionID)
	if err != nil {
		return fmt.Errorf("load session turns: %w", err)
	}
	if len(turns) == 0 {
		return fmt.Errorf("%w: %s", ErrNoTurns, sessionID)
	}

	courses, err := a.store.ListCourses()
	if err != nil {
		return fmt.Errorf("load courses: %w", err)
	}
	if len(courses) == 0 {
		return ErrNoCourses
	}

	result, err := a.gw.AnalyzeSession(ctx, turns, courses)
	if err != nil {
		return fmt.Errorf("analyze session %s: %w", sessionID, err)
	}

	// The flagged ids must come from this session's transcript.
	valid := make(map[int64]bool, len(turns))
	for _, t := range turns {
		valid[t.ID] = true
	}
	for _, id := range result.ConfusedTurnIDs {
		if !valid[id] {
			return fmt.Errorf("%w: flagged conversation %d is not in session %s", gateway.ErrMalformed, id, sessionID)
		}
	}

	analysis := model.ConfusionAnalysis{
		SessionID:       sessionID,
		CourseID:        result.CourseID,
		Unit:            result.Unit,
		Topics:          result.Topics,
		ConfusedTurnIDs: result.ConfusedTurnIDs,
	}
	// A session matching no course is still recorded as analyzed, with a
	// nil course and empty topic set.
	if _, err := a.store.SaveConfusionAnalysis(analysis, force); err != nil {
		return fmt.Errorf("save analysis for %s: %w", sessionID, err)
	}

	if result.CourseID == nil {
		slog.Info("session matched no course", "session_id", sessionID)
	} else {
		slog.Info("session analyzed",
			"session_id", sessionID,
			"course_id", *result.CourseID,
			"unit", result.Unit,
			"confused_turns", len(result.ConfusedTurnIDs))
	}
	return nil
}

// SessionFailure records one failed session in a batch run.
type SessionFailure struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// BatchResult summarizes one batch analysis run.
type BatchResult struct {
	Analyzed int              `json:"analyzed"`
	Failed   int              `json:"failed"`
	Failures []SessionFailure `json:"failures,omitempty"`
}

// RunBatch analyzes every unanalyzed session. A failure on one session is
// recorded and does not stop the remaining sessions.
func (a *Analyzer) RunBatch(ctx context.Context) (BatchResult, error) {
	sessions, err := a.FindUnanalyzedSessions()
	if err != nil {
		return BatchResult{}, fmt.Errorf("find unanalyzed sessions: %w", err)
	}
	slog.Info("running batch analysis", "sessions", len(sessions))

	var result BatchResult
	for _, sessionID := range sessions {
		if err := a.AnalyzeSession(ctx, sessionID, false); err != nil {
			slog.Error("session analysis failed", "session_id", sessionID, "error", err)
			result.Failed++
			result.Failures = append(result.Failures, SessionFailure{
				SessionID: sessionID,
				Error:     err.Error(),
			})
			continue
		}
		result.Analyzed++
	}

	slog.Info("batch analysis complete", "analyzed", result.Analyzed, "failed", result.Failed)
	return result, nil
}
