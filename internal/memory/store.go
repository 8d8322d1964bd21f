// Package memory provides the bounded short-term conversation buffer and
// optional long-term session persistence hooks.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haasonsaas/loom/pkg/models"
)

// ErrNoSessionHooks is returned by LoadSession and SaveSession when the
// store was built without hooks. This is a configuration error, distinct
// from a runtime persistence failure (which is logged and swallowed).
var ErrNoSessionHooks = errors.New("memory: no session hooks configured")

// Limits bounds the short-term buffer. Zero values fall back to the
// defaults when the store is created; limits are immutable afterwards.
type Limits struct {
	// MaxMessages is the maximum number of buffered messages.
	MaxMessages int
	// MaxTokens is the maximum estimated token count of the buffer.
	MaxTokens int
}

// DefaultLimits returns the standard buffer bounds: 50 messages,
// 4000 estimated tokens.
func DefaultLimits() Limits {
	return Limits{MaxMessages: 50, MaxTokens: 4000}
}

// SessionHooks delegate long-term persistence to the caller. Either hook
// may be nil; a nil hook behaves as if no hooks were configured for the
// corresponding operation.
type SessionHooks struct {
	Fetch func(ctx context.Context, sessionID string) ([]models.Message, error)
	Save  func(ctx context.Context, sessionID string, messages []models.Message) error
}

// Store is the bounded conversation buffer. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	limits   Limits
	messages []models.Message
	hooks    *SessionHooks
	logger   *slog.Logger
	evicted  func(n int)
}

// NewStore creates a store with the given limits. Zero limit fields take
// the defaults. hooks may be nil when no long-term persistence is wanted.
func NewStore(limits Limits, hooks *SessionHooks, logger *slog.Logger) *Store {
	defaults := DefaultLimits()
	if limits.MaxMessages <= 0 {
		limits.MaxMessages = defaults.MaxMessages
	}
	if limits.MaxTokens <= 0 {
		limits.MaxTokens = defaults.MaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		limits: limits,
		hooks:  hooks,
		logger: logger.With("component", "memory"),
	}
}

// OnEvict registers a callback invoked with the number of messages dropped
// by each prune pass. Used for metrics.
func (s *Store) OnEvict(fn func(n int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = fn
}

// Limits returns the store's bounds.
func (s *Store) Limits() Limits {
	return s.limits
}

// Add appends a message and prunes the buffer back within limits.
func (s *Store) Add(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.prune()
}

// Messages returns a copy of the buffered messages in order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of buffered messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear empties the short-term buffer. Long-term storage is untouched.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// LoadSession replaces the buffer with the history fetched for sessionID,
// then prunes. A fetch failure is logged and swallowed so the turn can
// proceed on the current buffer. Returns ErrNoSessionHooks when no Fetch
// hook is configured.
func (s *Store) LoadSession(ctx context.Context, sessionID string) error {
	if s.hooks == nil || s.hooks.Fetch == nil {
		return ErrNoSessionHooks
	}
	history, err := s.hooks.Fetch(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session fetch failed, continuing with current buffer",
			"session_id", sessionID, "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]models.Message(nil), history...)
	s.prune()
	return nil
}

// SaveSession persists a snapshot of the buffer for sessionID. A save
// failure is logged and swallowed. Returns ErrNoSessionHooks when no Save
// hook is configured.
func (s *Store) SaveSession(ctx context.Context, sessionID string) error {
	if s.hooks == nil || s.hooks.Save == nil {
		return ErrNoSessionHooks
	}
	snapshot := s.Messages()
	if err := s.hooks.Save(ctx, sessionID, snapshot); err != nil {
		s.logger.Warn("session save failed",
			"session_id", sessionID, "messages", len(snapshot), "error", err)
	}
	return nil
}

// prune enforces both limits, oldest first. Callers hold s.mu.
func (s *Store) prune() {
	dropped := 0

	if excess := len(s.messages) - s.limits.MaxMessages; excess > 0 {
		s.messages = s.messages[excess:]
		dropped += excess
	}

	for len(s.messages) > 0 && EstimateMessages(s.messages) > s.limits.MaxTokens {
		s.messages = s.messages[1:]
		dropped++
	}

	if dropped > 0 {
		s.logger.Debug("pruned conversation buffer",
			"dropped", dropped, "remaining", len(s.messages))
		if s.evicted != nil {
			s.evicted(dropped)
		}
	}
}
