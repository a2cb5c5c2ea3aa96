package domain

// ConferenceStatus is the lifecycle state of a conference resource.
type ConferenceStatus string

const (
	ConferencePending   ConferenceStatus = "pending"
	ConferenceActive    ConferenceStatus = "active"
	ConferenceCompleted ConferenceStatus = "completed"
	ConferenceFailed    ConferenceStatus = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s ConferenceStatus) Terminal() bool {
	return s == ConferenceCompleted || s == ConferenceFailed
}

// Conference is the two-party conference resource. The ID doubles as the
// conversation id the dialogue state is keyed by.
type Conference struct {
	ID           string
	Status       ConferenceStatus
	Participants []Participant
}

// Participant is one successfully joined call leg. Identity is immutable
// after the join succeeds.
type Participant struct {
	Role           Role
	DisplayName    string
	PhoneAddress   string
	ProviderCallID string
	Label          string
}
