// Package chat stores tutoring conversations keyed by client-generated
// session tokens. The server never invents, expires, or merges tokens: a
// session boundary exists only in the token string the client presents.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/pavelanni/confusionbank/internal/model"
	"github.com/pavelanni/confusionbank/internal/store"
)

// ErrEmptySession is returned when no session token accompanies a message.
var ErrEmptySession = errors.New("session token required")

// Gateway is the completion-service surface the chat needs.
type Gateway interface {
	Chat(ctx context.Context, message string, history []model.ConversationTurn) (string, error)
}

// Service handles one chat exchange end to end.
type Service struct {
	store        *store.Store
	gw           Gateway
	historyTurns int
}

// New creates a chat service. historyTurns caps how many prior turns of the
// session are sent along for context.
func New(s *store.Store, gw Gateway, historyTurns int) *Service {
	return &Service{store: s, gw: gw, historyTurns: historyTurns}
}

// Send produces a tutor reply for the message and persists the exchange as
// one conversation turn under the given session token.
func (s *Service) Send(ctx context.Context, sessionID, message string) (string, error) {
	if sessionID == "" {
		return "", ErrEmptySession
	}

	history, err := s.store.GetSessionTurns(sessionID)
	if err != nil {
		return "", fmt.Errorf("load session history: %w", err)
	}
	if len(history) > s.historyTurns {
		history = history[len(history)-s.historyTurns:]
	}

	reply, err := s.gw.Chat(ctx, message, history)
	if err != nil {
		return "", err
	}

	if _, err := s.store.SaveConversation(sessionID, message, reply); err != nil {
		return "", fmt.Errorf("save conversation: %w", err)
	}
	return reply, nil
}
