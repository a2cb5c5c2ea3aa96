package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"callsim/internal/domain"
	"callsim/internal/telephony"
)

type fakeAPI struct {
	createCallErr    error
	createdCall      *openapi.CreateCallParams
	callSid          string
	listConfs        []openapi.ApiV2010Conference
	listErr          error
	updatedConfSid   string
	updateConfParams *openapi.UpdateConferenceParams
	updatedCallSid   string
}

func (f *fakeAPI) CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	f.createdCall = params
	if f.createCallErr != nil {
		return nil, f.createCallErr
	}
	sid := f.callSid
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) UpdateCall(sid string, _ *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.updatedCallSid = sid
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) ListConference(_ *openapi.ListConferenceParams) ([]openapi.ApiV2010Conference, error) {
	return f.listConfs, f.listErr
}

func (f *fakeAPI) UpdateConference(sid string, params *openapi.UpdateConferenceParams) (*openapi.ApiV2010Conference, error) {
	f.updatedConfSid = sid
	f.updateConfParams = params
	return &openapi.ApiV2010Conference{Sid: &sid}, nil
}

func restErr(status int) error {
	return &twilioclient.TwilioRestError{Status: status, Code: status, Message: "provider says no"}
}

func conf(sid, status string) openapi.ApiV2010Conference {
	return openapi.ApiV2010Conference{Sid: &sid, Status: &status}
}

func participantReq() telephony.ParticipantRequest {
	return telephony.ParticipantRequest{
		From:             "+15005550001",
		To:               "+15005550006",
		Label:            "agent",
		AnswerURL:        "https://hooks.example.com/turn?cid=CFx&role=agent",
		TimeLimitSeconds: 600,
	}
}

func TestCreateConference_ReturnsPending(t *testing.T) {
	p, err := New(&fakeAPI{})
	require.NoError(t, err)

	c, err := p.CreateConference(context.Background(), telephony.ConferenceSettings{
		Name:            "CFabc",
		Record:          true,
		MaxParticipants: 2,
	})
	require.NoError(t, err)
	require.Equal(t, "CFabc", c.ID)
	require.Equal(t, domain.ConferencePending, c.Status)
}

func TestCreateConference_Validation(t *testing.T) {
	p, _ := New(&fakeAPI{})
	_, err := p.CreateConference(context.Background(), telephony.ConferenceSettings{Name: "", MaxParticipants: 2})
	require.Error(t, err)
	_, err = p.CreateConference(context.Background(), telephony.ConferenceSettings{Name: "CFabc", MaxParticipants: 1})
	require.Error(t, err)
}

func TestAddParticipant_Success(t *testing.T) {
	api := &fakeAPI{callSid: "CA123"}
	p, _ := New(api)

	res, err := p.AddParticipant(context.Background(), "CFabc", participantReq())
	require.NoError(t, err)
	require.Equal(t, "CA123", res.CallID)
	require.Equal(t, "CFabc_agent", res.ParticipantID)
	require.NotNil(t, api.createdCall)
}

func TestAddParticipant_RecordsFromStart(t *testing.T) {
	api := &fakeAPI{callSid: "CA123"}
	p, _ := New(api)

	req := participantReq()
	req.Record = true
	_, err := p.AddParticipant(context.Background(), "CFabc", req)
	require.NoError(t, err)
	require.NotNil(t, api.createdCall.Record)
	require.True(t, *api.createdCall.Record)
}

func TestAddParticipant_NoRecordingUnlessRequested(t *testing.T) {
	api := &fakeAPI{callSid: "CA123"}
	p, _ := New(api)

	_, err := p.AddParticipant(context.Background(), "CFabc", participantReq())
	require.NoError(t, err)
	require.Nil(t, api.createdCall.Record)
}

func TestAddParticipant_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind telephony.ErrorKind
	}{
		{name: "4xx is terminal", err: restErr(400), kind: telephony.KindTerminal},
		{name: "5xx is transient", err: restErr(503), kind: telephony.KindTransient},
		{name: "transport is transient", err: errors.New("connection reset"), kind: telephony.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := New(&fakeAPI{createCallErr: tc.err})
			_, err := p.AddParticipant(context.Background(), "CFabc", participantReq())
			var pe *telephony.ProviderError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, tc.kind, pe.Kind)
		})
	}
}

func TestFetchConference_MapsStatus(t *testing.T) {
	cases := map[string]domain.ConferenceStatus{
		"init":        domain.ConferencePending,
		"in-progress": domain.ConferenceActive,
		"completed":   domain.ConferenceCompleted,
	}
	for status, want := range cases {
		p, _ := New(&fakeAPI{listConfs: []openapi.ApiV2010Conference{conf("CFSID", status)}})
		c, err := p.FetchConference(context.Background(), "CFabc")
		require.NoError(t, err)
		require.Equal(t, want, c.Status)
		require.Equal(t, "CFabc", c.ID)
	}
}

func TestFetchConference_NotFound(t *testing.T) {
	p, _ := New(&fakeAPI{})
	_, err := p.FetchConference(context.Background(), "CFabc")
	require.ErrorIs(t, err, telephony.ErrConferenceNotFound)
}

func TestCompleteConference_UpdatesNonTerminal(t *testing.T) {
	api := &fakeAPI{listConfs: []openapi.ApiV2010Conference{conf("CFSID", "in-progress")}}
	p, _ := New(api)

	require.NoError(t, p.CompleteConference(context.Background(), "CFabc"))
	require.Equal(t, "CFSID", api.updatedConfSid)
}

func TestCompleteConference_TerminalIsNoop(t *testing.T) {
	api := &fakeAPI{listConfs: []openapi.ApiV2010Conference{conf("CFSID", "completed")}}
	p, _ := New(api)

	require.NoError(t, p.CompleteConference(context.Background(), "CFabc"))
	require.Empty(t, api.updatedConfSid)
}

func TestCompleteCall(t *testing.T) {
	api := &fakeAPI{}
	p, _ := New(api)
	require.NoError(t, p.CompleteCall(context.Background(), "CA42"))
	require.Equal(t, "CA42", api.updatedCallSid)
}
