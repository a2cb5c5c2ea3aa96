package domain

import "time"

// ChatMessage is the provider-agnostic chat message shape shared by the turn
// engine, the state store and the LLM integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	MessageRoleSystem    = "system"
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// PersonaPair is the immutable outcome of one pair selection.
type PersonaPair struct {
	Customer       CustomerPersona
	Agent          AgentPersona
	ConversationID string
	Strategy       string
	CreatedAt      time.Time
}

// LegContext is the join-time correlation record stored out-of-band so a
// turn invocation can recover full persona context from a short key instead
// of packing it into the join URL.
type LegContext struct {
	ConversationID string `json:"conversationId"`
	Role           Role   `json:"role"`
	DisplayName    string `json:"displayName"`
	Phone          string `json:"phone"`
	SystemPrompt   string `json:"systemPrompt"`
	CounterpartID  string `json:"counterpartId"`
}

// QuotaDecision is the outcome of one atomic daily-quota check.
type QuotaDecision struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	ResetsAt     time.Time
}
