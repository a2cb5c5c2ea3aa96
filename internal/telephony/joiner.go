package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"callsim/internal/domain"
)

const (
	joinAttempts       = 3
	defaultBackoffBase = 500 * time.Millisecond
)

// e164 is the strict origination-number shape: + then 1-15 digits, nonzero
// leading digit.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether phone is a strict E.164 number.
func ValidE164(phone string) bool {
	return e164.MatchString(phone)
}

// RouteConfig tells the provider where to send a joined leg's webhooks and
// which number the leg originates from.
type RouteConfig struct {
	CallerID         string
	AnswerURL        string
	TimeLimitSeconds int
	Record           bool
}

// CorrelationStore persists the join-time leg context the turn engine later
// resolves by conversation id and role. The join URL itself carries only the
// short key; the reference provider caps it around 800 characters.
type CorrelationStore interface {
	PutLegContext(ctx context.Context, lc domain.LegContext) error
	DeleteLegContext(ctx context.Context, conversationID string, role domain.Role) error
}

// JoinResult pairs the provider's join identifiers with the immutable
// participant record.
type JoinResult struct {
	ParticipantID string
	CallID        string
	Participant   domain.Participant
}

// Joiner joins one call leg into a conference with bounded, class-aware
// retry.
type Joiner struct {
	provider Provider
	store    CorrelationStore
	log      *slog.Logger

	backoffBase time.Duration
	sleep       func(time.Duration)
}

// NewJoiner creates a Joiner. All dependencies are required.
func NewJoiner(provider Provider, store CorrelationStore, log *slog.Logger) (*Joiner, error) {
	if provider == nil {
		return nil, errors.New("telephony: provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("telephony: correlation store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Joiner{
		provider:    provider,
		store:       store,
		log:         log,
		backoffBase: defaultBackoffBase,
		sleep:       time.Sleep,
	}, nil
}

// Join adds one leg to the conference. Validation failures return
// immediately with nothing created. Transient provider failures are retried
// up to three total attempts with linear backoff; terminal provider failures
// are surfaced on the first occurrence.
func (j *Joiner) Join(ctx context.Context, conferenceID string, leg domain.Leg, counterpartID string, route RouteConfig) (JoinResult, error) {
	if strings.TrimSpace(conferenceID) == "" {
		return JoinResult{}, errors.New("telephony: conference id must not be empty")
	}
	if leg == nil || strings.TrimSpace(leg.DisplayName()) == "" {
		return JoinResult{}, errors.New("telephony: persona display name must not be empty")
	}
	if strings.TrimSpace(route.AnswerURL) == "" {
		return JoinResult{}, errors.New("telephony: route config answer url must not be empty")
	}
	if !ValidE164(route.CallerID) {
		return JoinResult{}, fmt.Errorf("telephony: caller id %q is not E.164", route.CallerID)
	}
	if !ValidE164(leg.PhoneAddress()) {
		return JoinResult{}, fmt.Errorf("telephony: persona phone %q is not E.164", leg.PhoneAddress())
	}

	answerURL, err := legAnswerURL(route.AnswerURL, conferenceID, leg.Role())
	if err != nil {
		return JoinResult{}, err
	}

	req := ParticipantRequest{
		From:             route.CallerID,
		To:               leg.PhoneAddress(),
		Label:            string(leg.Role()),
		AnswerURL:        answerURL,
		TimeLimitSeconds: route.TimeLimitSeconds,
		Record:           route.Record,
	}

	// The correlation record must exist before the leg can answer: a fast
	// pickup hits the turn webhook immediately, and an unresolvable leg gets
	// hung up there.
	lc := domain.LegContext{
		ConversationID: conferenceID,
		Role:           leg.Role(),
		DisplayName:    leg.DisplayName(),
		Phone:          leg.PhoneAddress(),
		SystemPrompt:   leg.SystemPrompt(),
		CounterpartID:  counterpartID,
	}
	if err := j.store.PutLegContext(ctx, lc); err != nil {
		return JoinResult{}, fmt.Errorf("telephony: store leg context for %s/%s: %w", conferenceID, leg.Role(), err)
	}

	var result ParticipantResult
	var lastErr error
	for attempt := 1; attempt <= joinAttempts; attempt++ {
		result, lastErr = j.provider.AddParticipant(ctx, conferenceID, req)
		if lastErr == nil {
			break
		}
		if !Retryable(lastErr) {
			j.removeLegContext(ctx, conferenceID, leg.Role())
			return JoinResult{}, fmt.Errorf("telephony: join %s leg of %s: %w", leg.Role(), conferenceID, lastErr)
		}
		if attempt == joinAttempts {
			j.removeLegContext(ctx, conferenceID, leg.Role())
			return JoinResult{}, fmt.Errorf("telephony: join %s leg of %s: %d attempts exhausted: %w", leg.Role(), conferenceID, joinAttempts, lastErr)
		}
		delay := j.backoffBase * time.Duration(attempt)
		j.log.Warn("participant join failed, retrying",
			"conferenceId", conferenceID,
			"role", leg.Role(),
			"attempt", attempt,
			"delay", delay,
			"err", lastErr)
		j.sleep(delay)
	}

	return JoinResult{
		ParticipantID: result.ParticipantID,
		CallID:        result.CallID,
		Participant: domain.Participant{
			Role:           leg.Role(),
			DisplayName:    leg.DisplayName(),
			PhoneAddress:   leg.PhoneAddress(),
			ProviderCallID: result.CallID,
			Label:          string(leg.Role()),
		},
	}, nil
}

// removeLegContext cleans up the pre-dial correlation record after a failed
// join. Best effort: the record carries a TTL, so a failed delete only
// delays cleanup.
func (j *Joiner) removeLegContext(ctx context.Context, conferenceID string, role domain.Role) {
	if err := j.store.DeleteLegContext(ctx, conferenceID, role); err != nil {
		j.log.Error("leg context cleanup failed",
			"conferenceId", conferenceID,
			"role", role,
			"err", err)
	}
}

// legAnswerURL appends the short correlation key to the route's answer URL.
func legAnswerURL(base, conversationID string, role domain.Role) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("telephony: parse answer url: %w", err)
	}
	q := u.Query()
	q.Set("cid", conversationID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
