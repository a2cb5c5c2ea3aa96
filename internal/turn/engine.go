// Package turn implements the per-leg dialogue turn: each webhook
// invocation is independent, reconstructs everything it needs from the
// state store, and leaves the next invocation a clean record to resume
// from.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"callsim/internal/domain"
)

const (
	// fallbackUtterance keeps the conversation alive when generation
	// fails. The failed turn is never persisted.
	fallbackUtterance = "I'm sorry, I didn't catch that. Could you say it again?"
	// declineUtterance is spoken when the daily generation quota is
	// exhausted.
	declineUtterance = "I'm sorry, we can't continue this call right now. Thank you for your patience."
)

// StateStore is the conversation state contract the engine consumes.
type StateStore interface {
	GetHistory(ctx context.Context, conversationID string) ([]domain.ChatMessage, int64, error)
	PutHistory(ctx context.Context, conversationID string, msgs []domain.ChatMessage, expectedVersion int64) error
	GetLegContext(ctx context.Context, conversationID string, role domain.Role) (domain.LegContext, error)
	CheckAndIncrementDailyQuota(ctx context.Context) (domain.QuotaDecision, error)
}

// ErrVersionConflict must be returned by StateStore.PutHistory when another
// invocation wrote the record first. Aliased here so the engine does not
// depend on a concrete store.
var ErrVersionConflict = errors.New("turn: history version conflict")

// Generator is the text-generation collaborator.
type Generator interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// Input is one webhook invocation for one leg.
type Input struct {
	ConversationID string
	Role           domain.Role
	// Speech is the transcribed utterance captured since the last turn.
	// Empty means the leg heard nothing and should keep listening.
	Speech string
}

// Output tells the handler what to render. An empty Reply means redirect to
// listening without speaking.
type Output struct {
	Reply string
}

// Engine runs one dialogue turn. It holds no per-conversation state; the
// two legs of a conversation may run through separate Engine instances on
// separate workers.
type Engine struct {
	store     StateStore
	generator Generator
	log       *slog.Logger

	conflictErr func(error) bool
}

// New creates an Engine. conflictErr recognizes the store's version-conflict
// error; pass nil to match ErrVersionConflict.
func New(store StateStore, generator Generator, conflictErr func(error) bool, log *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("turn: state store must not be nil")
	}
	if generator == nil {
		return nil, errors.New("turn: generator must not be nil")
	}
	if conflictErr == nil {
		conflictErr = func(err error) bool { return errors.Is(err, ErrVersionConflict) }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, generator: generator, log: log, conflictErr: conflictErr}, nil
}

// Take executes one turn. Generation and storage failures are absorbed: the
// caller always gets either a generated reply, a decline, or the fallback
// utterance, never an error that would kill the call mid-dialogue. The only
// returned errors are for invocations that cannot be attributed to a leg at
// all.
func (e *Engine) Take(ctx context.Context, in Input) (Output, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return Output{}, errors.New("turn: conversation id must not be empty")
	}
	if !in.Role.Valid() {
		return Output{}, fmt.Errorf("turn: unknown role %q", in.Role)
	}

	lc, err := e.store.GetLegContext(ctx, in.ConversationID, in.Role)
	if err != nil {
		return Output{}, fmt.Errorf("turn: resolve leg context %s/%s: %w", in.ConversationID, in.Role, err)
	}

	speech := strings.TrimSpace(in.Speech)
	if speech == "" {
		// Nothing captured; keep listening, state unchanged.
		return Output{}, nil
	}

	log := e.log.With("conversationId", in.ConversationID, "role", in.Role)

	history, version, err := e.store.GetHistory(ctx, in.ConversationID)
	if err != nil {
		log.Error("history load failed", "err", err)
		return Output{Reply: fallbackUtterance}, nil
	}
	if reason := validateHistory(history); reason != "" {
		// A record that fails validation is never partially trusted.
		log.Warn("discarding malformed history", "reason", reason, "messages", len(history))
		history = nil
	}

	quota, err := e.store.CheckAndIncrementDailyQuota(ctx)
	if err != nil {
		log.Error("quota check failed", "err", err)
		return Output{Reply: fallbackUtterance}, nil
	}
	if !quota.Allowed {
		log.Warn("daily quota exhausted", "count", quota.CurrentCount, "limit", quota.Limit, "resetsAt", quota.ResetsAt)
		return Output{Reply: declineUtterance}, nil
	}

	prompt := buildPrompt(lc.SystemPrompt, history, speech)
	reply, err := e.generator.Chat(ctx, prompt)
	if err != nil {
		log.Error("generation failed, speaking fallback", "err", err)
		return Output{Reply: fallbackUtterance}, nil
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Warn("generator returned empty reply, speaking fallback")
		return Output{Reply: fallbackUtterance}, nil
	}

	updated := append(prompt, domain.ChatMessage{Role: domain.MessageRoleAssistant, Content: reply})
	e.persist(ctx, log, in.ConversationID, updated, version, speech, reply)

	return Output{Reply: reply}, nil
}

// persist writes the turn with optimistic concurrency. On a version
// conflict (the other leg wrote first) the turn is re-applied on top of the
// fresh record once; a second conflict is logged and dropped rather than
// delaying the spoken reply.
func (e *Engine) persist(ctx context.Context, log *slog.Logger, conversationID string, msgs []domain.ChatMessage, version int64, speech, reply string) {
	err := e.store.PutHistory(ctx, conversationID, msgs, version)
	if err == nil {
		return
	}
	if !e.conflictErr(err) {
		log.Error("history write failed", "err", err)
		return
	}

	fresh, freshVersion, loadErr := e.store.GetHistory(ctx, conversationID)
	if loadErr != nil {
		log.Error("history reload after conflict failed", "err", loadErr)
		return
	}
	if reason := validateHistory(fresh); reason != "" {
		log.Warn("discarding malformed history on conflict retry", "reason", reason)
		fresh = nil
	}
	merged := buildPrompt(systemPromptOf(msgs), fresh, speech)
	merged = append(merged, domain.ChatMessage{Role: domain.MessageRoleAssistant, Content: reply})
	if err := e.store.PutHistory(ctx, conversationID, merged, freshVersion); err != nil {
		log.Error("history write failed after conflict retry", "err", err)
	}
}

// buildPrompt assembles [system-prompt-once, ...history, user-message]. The
// system prompt is added only when the stored history is empty; a valid
// non-empty history already carries it. A blank prompt is omitted entirely:
// an empty system message would fail validateHistory on the next turn and
// throw the whole record away.
func buildPrompt(systemPrompt string, history []domain.ChatMessage, speech string) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(history)+2)
	if len(history) == 0 {
		if strings.TrimSpace(systemPrompt) != "" {
			msgs = append(msgs, domain.ChatMessage{Role: domain.MessageRoleSystem, Content: systemPrompt})
		}
	} else {
		msgs = append(msgs, history...)
	}
	return append(msgs, domain.ChatMessage{Role: domain.MessageRoleUser, Content: speech})
}

func systemPromptOf(msgs []domain.ChatMessage) string {
	if len(msgs) > 0 && msgs[0].Role == domain.MessageRoleSystem {
		return msgs[0].Content
	}
	return ""
}

// validateHistory checks the stored record's shape: known roles, non-empty
// content, and at most one system message which must come first. It returns
// an empty string for a valid record, else the reason it was rejected.
func validateHistory(msgs []domain.ChatMessage) string {
	for i, m := range msgs {
		switch m.Role {
		case domain.MessageRoleSystem:
			if i != 0 {
				return "system message not first"
			}
		case domain.MessageRoleUser, domain.MessageRoleAssistant:
		default:
			return fmt.Sprintf("unknown role %q", m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return "empty message content"
		}
	}
	return ""
}
