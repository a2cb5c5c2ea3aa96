package telephony

import (
	"context"
	"errors"
	"fmt"

	"callsim/internal/domain"
)

// ErrorKind is the closed classification of provider failures, decided once
// at the adapter boundary.
type ErrorKind int

const (
	// KindTransient covers network failures and 5xx-class responses.
	// Transient failures are eligible for retry.
	KindTransient ErrorKind = iota + 1
	// KindTerminal covers 4xx-class responses. Never retried.
	KindTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("telephony: %s failed (%s, status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("telephony: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient provider error. Errors that
// are not ProviderErrors (raw transport failures) count as transient.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	return err != nil
}

// ErrConferenceNotFound is returned by FetchConference when the provider has
// no conference under the given id.
var ErrConferenceNotFound = errors.New("telephony: conference not found")

// ConferenceSettings describes the conference resource to create.
type ConferenceSettings struct {
	Name            string
	Record          bool
	MaxParticipants int
}

// ParticipantRequest describes one call leg to join into a conference.
type ParticipantRequest struct {
	From             string
	To               string
	Label            string
	AnswerURL        string
	TimeLimitSeconds int
	// Record enables call recording from answer, carrying the conference's
	// record-from-start setting down to each leg.
	Record bool
}

// ParticipantResult is the provider's view of a successful join.
type ParticipantResult struct {
	ParticipantID string
	CallID        string
}

// Provider is the voice-platform port. Adapters must classify every failure
// into a ProviderError before it crosses this boundary.
type Provider interface {
	CreateConference(ctx context.Context, settings ConferenceSettings) (domain.Conference, error)
	AddParticipant(ctx context.Context, conferenceID string, req ParticipantRequest) (ParticipantResult, error)
	FetchConference(ctx context.Context, conferenceID string) (domain.Conference, error)
	CompleteConference(ctx context.Context, conferenceID string) error
	CompleteCall(ctx context.Context, callID string) error
}
