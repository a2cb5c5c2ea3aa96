package pairing

import (
	"errors"
	"math/rand"
	"time"

	"callsim/internal/domain"
)

// Pairing strategies. Unrecognized values fall back to uniform random.
const (
	StrategyRandom     = "random"
	StrategyFrustrated = "frustrated"
	StrategyPatient    = "patient"
)

// Store is the read-only persona dataset the selector draws from.
type Store interface {
	Customers() []domain.CustomerPersona
	Agents() []domain.AgentPersona
}

// Selector chooses persona pairs and assigns each pair a fresh
// conversation id.
type Selector struct {
	store Store
	stats *Stats
	rng   *rand.Rand
	now   func() time.Time
	newID func() (string, error)
}

// NewSelector creates a Selector over the given dataset. stats may be shared
// with other selectors; it must not be nil.
func NewSelector(store Store, stats *Stats) (*Selector, error) {
	if store == nil {
		return nil, errors.New("pairing: store must not be nil")
	}
	if stats == nil {
		return nil, errors.New("pairing: stats must not be nil")
	}
	return &Selector{
		store: store,
		stats: stats,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
		newID: GenerateConversationID,
	}, nil
}

// SelectRandomPair picks a uniform-random customer and agent and records the
// selection in the stats aggregator.
func (s *Selector) SelectRandomPair() (domain.PersonaPair, error) {
	return s.SelectPairWithStrategy(StrategyRandom)
}

// SelectPairWithStrategy picks a pair according to the named strategy:
// "frustrated" draws the agent uniformly from the highest competence bucket
// present in the dataset, "patient" and anything unrecognized draw from all
// agents. The customer is always uniform-random.
func (s *Selector) SelectPairWithStrategy(strategy string) (domain.PersonaPair, error) {
	customers := s.store.Customers()
	agents := s.store.Agents()
	if len(customers) == 0 {
		return domain.PersonaPair{}, errors.New("pairing: no customers in dataset")
	}
	if len(agents) == 0 {
		return domain.PersonaPair{}, errors.New("pairing: no agents in dataset")
	}

	customer := customers[s.rng.Intn(len(customers))]

	pool := agents
	if strategy == StrategyFrustrated {
		pool = topCompetence(agents)
	}
	agent := pool[s.rng.Intn(len(pool))]

	id, err := s.newID()
	if err != nil {
		return domain.PersonaPair{}, err
	}

	s.stats.Record(customer, agent)

	return domain.PersonaPair{
		Customer:       customer,
		Agent:          agent,
		ConversationID: id,
		Strategy:       strategy,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// topCompetence returns the agents in the maximal competence bucket present.
func topCompetence(agents []domain.AgentPersona) []domain.AgentPersona {
	best := agents[0].Competence
	for _, a := range agents[1:] {
		if a.Competence > best {
			best = a.Competence
		}
	}
	out := make([]domain.AgentPersona, 0, len(agents))
	for _, a := range agents {
		if a.Competence == best {
			out = append(out, a)
		}
	}
	return out
}
