package pairing

import (
	"sync"

	"callsim/internal/domain"
)

// Stats aggregates pair-selection usage counters. It is injected into the
// Selector rather than living in package-level state so tests and the
// simulator can reset and inspect it.
type Stats struct {
	mu           sync.Mutex
	byCustomer   map[string]int
	byAgent      map[string]int
	byCompetence map[domain.Competence]int
}

// NewStats returns an empty aggregator.
func NewStats() *Stats {
	s := &Stats{}
	s.reset()
	return s
}

func (s *Stats) reset() {
	s.byCustomer = map[string]int{}
	s.byAgent = map[string]int{}
	s.byCompetence = map[domain.Competence]int{}
}

// Record counts one selected pair.
func (s *Stats) Record(customer domain.CustomerPersona, agent domain.AgentPersona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCustomer[customer.ID]++
	s.byAgent[agent.ID]++
	s.byCompetence[agent.Competence]++
}

// Reset clears all counters.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// CustomerCounts returns a copy of the per-customer selection counts.
func (s *Stats) CustomerCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounts(s.byCustomer)
}

// AgentCounts returns a copy of the per-agent selection counts.
func (s *Stats) AgentCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounts(s.byAgent)
}

// CompetenceCounts returns a copy of the per-competence-bucket counts.
func (s *Stats) CompetenceCounts() map[domain.Competence]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Competence]int, len(s.byCompetence))
	for k, v := range s.byCompetence {
		out[k] = v
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
