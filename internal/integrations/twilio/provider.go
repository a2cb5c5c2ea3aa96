// Package twilio adapts the Twilio REST API to the telephony provider port.
// Every failure is classified into a telephony.ProviderError here, once, so
// callers never inspect raw provider errors.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"callsim/internal/domain"
	"callsim/internal/telephony"
)

const statusCompleted = "completed"

// voiceAPI is the minimal slice of the twilio-go v2010 API the adapter
// needs. *api.ApiService satisfies it.
type voiceAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	ListConference(params *openapi.ListConferenceParams) ([]openapi.ApiV2010Conference, error)
	UpdateConference(sid string, params *openapi.UpdateConferenceParams) (*openapi.ApiV2010Conference, error)
}

// Provider implements telephony.Provider on the Twilio REST API.
type Provider struct {
	api voiceAPI
}

// New creates a Provider over the given API surface.
func New(api voiceAPI) (*Provider, error) {
	if api == nil {
		return nil, errors.New("twilio: api must not be nil")
	}
	return &Provider{api: api}, nil
}

// CreateConference reserves the conference name and settings. Twilio
// materializes the conference resource when the first leg dials in, so no
// remote call happens here; the returned conference is pending. The Record
// setting is enforced per leg: AddParticipant turns it into call recording
// on every participant.
func (p *Provider) CreateConference(_ context.Context, settings telephony.ConferenceSettings) (domain.Conference, error) {
	if strings.TrimSpace(settings.Name) == "" {
		return domain.Conference{}, errors.New("twilio: conference name must not be empty")
	}
	if settings.MaxParticipants < 2 {
		return domain.Conference{}, fmt.Errorf("twilio: max participants %d below minimum of 2", settings.MaxParticipants)
	}
	return domain.Conference{ID: settings.Name, Status: domain.ConferencePending}, nil
}

// AddParticipant dials one outbound leg whose call flow is driven by the
// answer URL, bounded by the per-participant time limit.
func (p *Provider) AddParticipant(_ context.Context, conferenceID string, req telephony.ParticipantRequest) (telephony.ParticipantResult, error) {
	params := (&openapi.CreateCallParams{}).
		SetTo(req.To).
		SetFrom(req.From).
		SetUrl(req.AnswerURL).
		SetMethod("POST")
	if req.TimeLimitSeconds > 0 {
		params.SetTimeLimit(req.TimeLimitSeconds)
	}
	if req.Record {
		params.SetRecord(true)
	}

	call, err := p.api.CreateCall(params)
	if err != nil {
		return telephony.ParticipantResult{}, classify("AddParticipant", err)
	}
	if call == nil || call.Sid == nil {
		return telephony.ParticipantResult{}, &telephony.ProviderError{
			Kind: telephony.KindTransient,
			Op:   "AddParticipant",
			Err:  errors.New("twilio: call response missing sid"),
		}
	}
	return telephony.ParticipantResult{
		ParticipantID: conferenceID + "_" + req.Label,
		CallID:        *call.Sid,
	}, nil
}

// FetchConference resolves a conference by its friendly name.
func (p *Provider) FetchConference(_ context.Context, conferenceID string) (domain.Conference, error) {
	conf, _, err := p.lookup(conferenceID)
	if err != nil {
		return domain.Conference{}, err
	}
	return conf, nil
}

// CompleteConference transitions the conference to completed. Completing an
// already-terminal conference is a no-op.
func (p *Provider) CompleteConference(_ context.Context, conferenceID string) error {
	conf, sid, err := p.lookup(conferenceID)
	if err != nil {
		return err
	}
	if conf.Status.Terminal() {
		return nil
	}
	params := (&openapi.UpdateConferenceParams{}).SetStatus(statusCompleted)
	if _, err := p.api.UpdateConference(sid, params); err != nil {
		return classify("CompleteConference", err)
	}
	return nil
}

// CompleteCall hangs up a single call leg.
func (p *Provider) CompleteCall(_ context.Context, callID string) error {
	params := (&openapi.UpdateCallParams{}).SetStatus(statusCompleted)
	if _, err := p.api.UpdateCall(callID, params); err != nil {
		return classify("CompleteCall", err)
	}
	return nil
}

func (p *Provider) lookup(conferenceID string) (domain.Conference, string, error) {
	params := (&openapi.ListConferenceParams{}).
		SetFriendlyName(conferenceID).
		SetPageSize(1)
	confs, err := p.api.ListConference(params)
	if err != nil {
		return domain.Conference{}, "", classify("FetchConference", err)
	}
	if len(confs) == 0 {
		return domain.Conference{}, "", telephony.ErrConferenceNotFound
	}
	c := confs[0]
	sid := ""
	if c.Sid != nil {
		sid = *c.Sid
	}
	status := ""
	if c.Status != nil {
		status = *c.Status
	}
	return domain.Conference{ID: conferenceID, Status: mapStatus(status)}, sid, nil
}

func mapStatus(s string) domain.ConferenceStatus {
	switch s {
	case "init", "pending":
		return domain.ConferencePending
	case "in-progress":
		return domain.ConferenceActive
	case statusCompleted:
		return domain.ConferenceCompleted
	default:
		return domain.ConferenceFailed
	}
}

// classify folds a raw twilio-go error into the closed provider error kinds:
// 4xx REST errors are terminal, everything else (5xx, transport) transient.
func classify(op string, err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		kind := telephony.KindTransient
		if restErr.Status >= 400 && restErr.Status < 500 {
			kind = telephony.KindTerminal
		}
		return &telephony.ProviderError{Kind: kind, Op: op, Status: restErr.Status, Err: err}
	}
	return &telephony.ProviderError{Kind: telephony.KindTransient, Op: op, Err: err}
}
