// Package orchestrator sequences conference creation, the two participant
// joins and termination scheduling, compensating for partial failure by
// rolling the conference back to a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callsim/internal/domain"
	"callsim/internal/telephony"
)

// State tracks how far one launch attempt progressed.
type State string

const (
	StateInit                 State = "INIT"
	StateConfCreated          State = "CONF_CREATED"
	StateAgentJoined          State = "AGENT_JOINED"
	StateCustomerJoined       State = "CUSTOMER_JOINED"
	StateTerminationScheduled State = "TERMINATION_SCHEDULED"
	StateRollbackAttempted    State = "ROLLBACK_ATTEMPTED"
	StateFailed               State = "FAILED"
)

// PairSelector yields a persona pair for the requested strategy.
type PairSelector interface {
	SelectPairWithStrategy(strategy string) (domain.PersonaPair, error)
}

// Joiner joins one leg into the conference.
type Joiner interface {
	Join(ctx context.Context, conferenceID string, leg domain.Leg, counterpartID string, route telephony.RouteConfig) (telephony.JoinResult, error)
}

// Config is the static launch configuration.
type Config struct {
	// AgentCallerID and CustomerCallerID are the origination numbers for
	// the two legs.
	AgentCallerID    string
	CustomerCallerID string
	// AnswerURL is the turn webhook base each leg is routed to.
	AnswerURL string
	// TerminationSeconds is the provider-enforced per-participant time
	// limit. Preferred over an external scheduler: it holds even when this
	// process dies right after the joins.
	TerminationSeconds int
}

// LegResult is the per-leg slice of a launch result.
type LegResult struct {
	ParticipantID string `json:"participantId"`
	CallID        string `json:"callId"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
}

// Result is the outcome of a successful launch.
type Result struct {
	ConferenceID               string    `json:"conferenceId"`
	ConversationID             string    `json:"conversationId"`
	Customer                   LegResult `json:"customer"`
	Agent                      LegResult `json:"agent"`
	TerminationScheduled       bool      `json:"terminationScheduled"`
	TerminationDurationSeconds int       `json:"terminationDurationSeconds"`
	Timestamp                  time.Time `json:"timestamp"`
}

// Orchestrator drives one conference launch end to end. Launch is not
// idempotent: every invocation selects a fresh pair and creates a fresh
// conference.
type Orchestrator struct {
	selector PairSelector
	joiner   Joiner
	provider telephony.Provider
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Orchestrator and validates its static configuration.
func New(selector PairSelector, joiner Joiner, provider telephony.Provider, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if selector == nil {
		return nil, errors.New("orchestrator: pair selector must not be nil")
	}
	if joiner == nil {
		return nil, errors.New("orchestrator: joiner must not be nil")
	}
	if provider == nil {
		return nil, errors.New("orchestrator: provider must not be nil")
	}
	if cfg.TerminationSeconds <= 0 {
		return nil, errors.New("orchestrator: termination duration must be positive")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		selector: selector,
		joiner:   joiner,
		provider: provider,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}, nil
}

// Launch creates a conference named after a fresh conversation id, joins the
// agent leg first so the agent speaks the greeting, then the customer leg,
// with the provider-enforced time limit bounding both. Any failure after the
// conference exists triggers rollback; the caller always observes the
// original error.
func (o *Orchestrator) Launch(ctx context.Context, strategy string) (Result, error) {
	state := StateInit

	// Fail fast before any side effect.
	if !telephony.ValidE164(o.cfg.AgentCallerID) {
		return Result{}, fmt.Errorf("orchestrator: agent caller id %q is not E.164", o.cfg.AgentCallerID)
	}
	if !telephony.ValidE164(o.cfg.CustomerCallerID) {
		return Result{}, fmt.Errorf("orchestrator: customer caller id %q is not E.164", o.cfg.CustomerCallerID)
	}
	if o.cfg.AnswerURL == "" {
		return Result{}, errors.New("orchestrator: answer url must not be empty")
	}

	pair, err := o.selector.SelectPairWithStrategy(strategy)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: select pair: %w", err)
	}

	settings := telephony.ConferenceSettings{
		Name:            pair.ConversationID,
		Record:          true,
		MaxParticipants: 2,
	}
	conf, err := o.provider.CreateConference(ctx, settings)
	if err != nil {
		// Nothing exists yet, nothing to roll back.
		return Result{}, fmt.Errorf("orchestrator: create conference: %w", err)
	}
	state = StateConfCreated
	o.log.Info("conference created",
		"conferenceId", conf.ID,
		"strategy", strategy,
		"customer", pair.Customer.Name,
		"agent", pair.Agent.Name)

	var joinedCalls []string

	// The record-from-start setting rides on each leg: recording happens at
	// the call level, so every joined participant is captured.
	agentJoin, err := o.joiner.Join(ctx, conf.ID, pair.Agent, pair.Customer.ID, telephony.RouteConfig{
		CallerID:         o.cfg.AgentCallerID,
		AnswerURL:        o.cfg.AnswerURL,
		TimeLimitSeconds: o.cfg.TerminationSeconds,
		Record:           settings.Record,
	})
	if err != nil {
		o.rollback(ctx, conf.ID, joinedCalls, &state)
		return Result{}, fmt.Errorf("orchestrator: join agent leg: %w", err)
	}
	state = StateAgentJoined
	joinedCalls = append(joinedCalls, agentJoin.CallID)

	customerJoin, err := o.joiner.Join(ctx, conf.ID, pair.Customer, pair.Agent.ID, telephony.RouteConfig{
		CallerID:         o.cfg.CustomerCallerID,
		AnswerURL:        o.cfg.AnswerURL,
		TimeLimitSeconds: o.cfg.TerminationSeconds,
		Record:           settings.Record,
	})
	if err != nil {
		o.rollback(ctx, conf.ID, joinedCalls, &state)
		return Result{}, fmt.Errorf("orchestrator: join customer leg: %w", err)
	}
	state = StateCustomerJoined
	joinedCalls = append(joinedCalls, customerJoin.CallID)

	// The time limit was attached to both legs at join time, so termination
	// is already in the provider's hands.
	state = StateTerminationScheduled
	o.log.Info("launch complete", "conferenceId", conf.ID, "state", state)

	return Result{
		ConferenceID:   conf.ID,
		ConversationID: pair.ConversationID,
		Customer: LegResult{
			ParticipantID: customerJoin.ParticipantID,
			CallID:        customerJoin.CallID,
			Name:          pair.Customer.Name,
			Phone:         pair.Customer.Phone,
		},
		Agent: LegResult{
			ParticipantID: agentJoin.ParticipantID,
			CallID:        agentJoin.CallID,
			Name:          pair.Agent.Name,
			Phone:         pair.Agent.Phone,
		},
		TerminationScheduled:       true,
		TerminationDurationSeconds: o.cfg.TerminationSeconds,
		Timestamp:                  o.now().UTC(),
	}, nil
}

// rollback transitions the conference and any joined legs to terminal.
// Rollback failures are logged and swallowed so they never mask the error
// that triggered the rollback.
func (o *Orchestrator) rollback(ctx context.Context, conferenceID string, joinedCalls []string, state *State) {
	*state = StateRollbackAttempted

	conf, err := o.provider.FetchConference(ctx, conferenceID)
	switch {
	case errors.Is(err, telephony.ErrConferenceNotFound):
		// Never materialized on the provider side.
	case err != nil:
		o.log.Error("rollback: fetch conference failed", "conferenceId", conferenceID, "err", err)
	case !conf.Status.Terminal():
		if err := o.provider.CompleteConference(ctx, conferenceID); err != nil {
			o.log.Error("rollback: complete conference failed", "conferenceId", conferenceID, "err", err)
		}
	}

	for _, callID := range joinedCalls {
		if err := o.provider.CompleteCall(ctx, callID); err != nil {
			o.log.Error("rollback: complete call failed", "conferenceId", conferenceID, "callId", callID, "err", err)
		}
	}

	*state = StateFailed
}
