package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"callsim/internal/domain"
	"callsim/internal/telephony"
)

type stubSelector struct {
	pair domain.PersonaPair
	err  error
}

func (s *stubSelector) SelectPairWithStrategy(strategy string) (domain.PersonaPair, error) {
	if s.err != nil {
		return domain.PersonaPair{}, s.err
	}
	p := s.pair
	p.Strategy = strategy
	return p, nil
}

type stubJoiner struct {
	errs   map[domain.Role]error
	calls  []domain.Role
	routes []telephony.RouteConfig
}

func (s *stubJoiner) Join(_ context.Context, conferenceID string, leg domain.Leg, _ string, route telephony.RouteConfig) (telephony.JoinResult, error) {
	s.calls = append(s.calls, leg.Role())
	s.routes = append(s.routes, route)
	if err := s.errs[leg.Role()]; err != nil {
		return telephony.JoinResult{}, err
	}
	return telephony.JoinResult{
		ParticipantID: conferenceID + "_" + string(leg.Role()),
		CallID:        "CA-" + string(leg.Role()),
		Participant:   domain.Participant{Role: leg.Role(), ProviderCallID: "CA-" + string(leg.Role())},
	}, nil
}

type stubProvider struct {
	createErr      error
	fetchStatus    domain.ConferenceStatus
	fetchErr       error
	completeCount  int
	completeErr    error
	completedCalls []string
}

func (s *stubProvider) CreateConference(_ context.Context, settings telephony.ConferenceSettings) (domain.Conference, error) {
	if s.createErr != nil {
		return domain.Conference{}, s.createErr
	}
	return domain.Conference{ID: settings.Name, Status: domain.ConferencePending}, nil
}

func (s *stubProvider) AddParticipant(_ context.Context, _ string, _ telephony.ParticipantRequest) (telephony.ParticipantResult, error) {
	return telephony.ParticipantResult{}, errors.New("not used in these tests")
}

func (s *stubProvider) FetchConference(_ context.Context, id string) (domain.Conference, error) {
	if s.fetchErr != nil {
		return domain.Conference{}, s.fetchErr
	}
	return domain.Conference{ID: id, Status: s.fetchStatus}, nil
}

func (s *stubProvider) CompleteConference(_ context.Context, _ string) error {
	s.completeCount++
	return s.completeErr
}

func (s *stubProvider) CompleteCall(_ context.Context, callID string) error {
	s.completedCalls = append(s.completedCalls, callID)
	return nil
}

func testPair() domain.PersonaPair {
	return domain.PersonaPair{
		Customer: domain.CustomerPersona{
			ID: "cust-1", Name: "Pat", Phone: "+15005550011", Prompt: "You are an annoyed customer.",
		},
		Agent: domain.AgentPersona{
			ID: "agent-1", Name: "Morgan", Phone: "+15005550022",
			Competence: domain.CompetenceHigh, Prompt: "You are a capable agent.",
		},
		ConversationID: "CF0123456789abcdef0123456789abcdef",
		CreatedAt:      time.Now().UTC(),
	}
}

func testConfig() Config {
	return Config{
		AgentCallerID:      "+15005550001",
		CustomerCallerID:   "+15005550002",
		AnswerURL:          "https://hooks.example.com/turn",
		TerminationSeconds: 600,
	}
}

func newTestOrchestrator(t *testing.T, sel PairSelector, j Joiner, p telephony.Provider) *Orchestrator {
	t.Helper()
	o, err := New(sel, j, p, testConfig(), slog.Default())
	require.NoError(t, err)
	return o
}

func TestLaunch_HappyPath(t *testing.T) {
	joiner := &stubJoiner{}
	provider := &stubProvider{}
	o := newTestOrchestrator(t, &stubSelector{pair: testPair()}, joiner, provider)

	res, err := o.Launch(context.Background(), "frustrated")
	require.NoError(t, err)

	require.Equal(t, "CF0123456789abcdef0123456789abcdef", res.ConferenceID)
	require.Equal(t, res.ConferenceID, res.ConversationID)
	require.Equal(t, []domain.Role{domain.RoleAgent, domain.RoleCustomer}, joiner.calls, "agent leg joins first")
	require.True(t, res.TerminationScheduled)
	require.Equal(t, 600, res.TerminationDurationSeconds)
	require.Equal(t, "CA-agent", res.Agent.CallID)
	require.Equal(t, "CA-customer", res.Customer.CallID)
	require.Equal(t, "Pat", res.Customer.Name)
	require.Equal(t, "+15005550011", res.Customer.Phone)
	require.False(t, res.Timestamp.IsZero())
	require.Zero(t, provider.completeCount, "no rollback on success")

	require.Len(t, joiner.routes, 2)
	for _, route := range joiner.routes {
		require.True(t, route.Record, "both legs record from start")
		require.Equal(t, 600, route.TimeLimitSeconds)
	}
}

func TestLaunch_InvalidConfigFailsBeforeSideEffects(t *testing.T) {
	sel := &stubSelector{pair: testPair()}
	cases := []func(*Config){
		func(c *Config) { c.AgentCallerID = "bogus" },
		func(c *Config) { c.CustomerCallerID = "" },
		func(c *Config) { c.AnswerURL = "" },
	}
	for _, mutate := range cases {
		cfg := testConfig()
		mutate(&cfg)
		joiner := &stubJoiner{}
		o, err := New(sel, joiner, &stubProvider{}, cfg, slog.Default())
		require.NoError(t, err)
		_, err = o.Launch(context.Background(), "random")
		require.Error(t, err)
		require.Empty(t, joiner.calls)
	}
}

func TestLaunch_SelectorFailure_NoRollback(t *testing.T) {
	provider := &stubProvider{}
	o := newTestOrchestrator(t, &stubSelector{err: errors.New("empty dataset")}, &stubJoiner{}, provider)

	_, err := o.Launch(context.Background(), "random")
	require.Error(t, err)
	require.Zero(t, provider.completeCount)
}

func TestLaunch_SecondJoinFailure_RollsBackOnceAndReturnsOriginalError(t *testing.T) {
	joinErr := errors.New("customer leg rejected")
	joiner := &stubJoiner{errs: map[domain.Role]error{domain.RoleCustomer: joinErr}}
	provider := &stubProvider{fetchStatus: domain.ConferenceActive}
	o := newTestOrchestrator(t, &stubSelector{pair: testPair()}, joiner, provider)

	_, err := o.Launch(context.Background(), "random")
	require.ErrorIs(t, err, joinErr)
	require.Equal(t, 1, provider.completeCount, "conference transitioned to terminal exactly once")
	require.Equal(t, []string{"CA-agent"}, provider.completedCalls, "joined agent leg hung up")
}

func TestLaunch_RollbackFailureNeverMasksOriginalError(t *testing.T) {
	joinErr := errors.New("customer leg rejected")
	joiner := &stubJoiner{errs: map[domain.Role]error{domain.RoleCustomer: joinErr}}
	provider := &stubProvider{fetchStatus: domain.ConferenceActive, completeErr: errors.New("rollback exploded")}
	o := newTestOrchestrator(t, &stubSelector{pair: testPair()}, joiner, provider)

	_, err := o.Launch(context.Background(), "random")
	require.ErrorIs(t, err, joinErr)
	require.NotContains(t, err.Error(), "rollback exploded")
}

func TestLaunch_RollbackSkipsTerminalConference(t *testing.T) {
	joiner := &stubJoiner{errs: map[domain.Role]error{domain.RoleAgent: errors.New("boom")}}
	provider := &stubProvider{fetchStatus: domain.ConferenceCompleted}
	o := newTestOrchestrator(t, &stubSelector{pair: testPair()}, joiner, provider)

	_, err := o.Launch(context.Background(), "random")
	require.Error(t, err)
	require.Zero(t, provider.completeCount)
}

func TestLaunch_RollbackHandlesMissingConference(t *testing.T) {
	joiner := &stubJoiner{errs: map[domain.Role]error{domain.RoleAgent: errors.New("boom")}}
	provider := &stubProvider{fetchErr: telephony.ErrConferenceNotFound}
	o := newTestOrchestrator(t, &stubSelector{pair: testPair()}, joiner, provider)

	_, err := o.Launch(context.Background(), "random")
	require.Error(t, err)
	require.Zero(t, provider.completeCount)
}

func TestLaunch_NotIdempotent(t *testing.T) {
	joiner := &stubJoiner{}
	o := newTestOrchestrator(t, &stubSelector{pair: testPair()}, joiner, &stubProvider{})

	_, err := o.Launch(context.Background(), "random")
	require.NoError(t, err)
	_, err = o.Launch(context.Background(), "random")
	require.NoError(t, err)
	require.Len(t, joiner.calls, 4, "each launch joins both legs again")
}
