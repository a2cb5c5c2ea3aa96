package domain

import "fmt"

// Role identifies which side of the conversation a leg plays.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleCustomer
}

// Competence buckets agents by skill level. Ordering matters: a higher
// numeric value means a more capable agent.
type Competence int

const (
	CompetenceLow Competence = iota + 1
	CompetenceMedium
	CompetenceHigh
)

func (c Competence) String() string {
	switch c {
	case CompetenceLow:
		return "low"
	case CompetenceMedium:
		return "medium"
	case CompetenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseCompetence converts a dataset label into a Competence bucket.
func ParseCompetence(s string) (Competence, error) {
	switch s {
	case "low":
		return CompetenceLow, nil
	case "medium":
		return CompetenceMedium, nil
	case "high":
		return CompetenceHigh, nil
	default:
		return 0, fmt.Errorf("domain: unknown competence %q", s)
	}
}

// Leg is the capability interface both persona kinds satisfy. Role-specific
// behavior is resolved once when a persona is loaded, not re-branched at
// every call site.
type Leg interface {
	Role() Role
	DisplayName() string
	PhoneAddress() string
	SystemPrompt() string
}

// CustomerPersona is a static descriptive record for the customer leg.
type CustomerPersona struct {
	ID       string
	Name     string
	Phone    string
	Demeanor string
	Prompt   string
}

func (p CustomerPersona) Role() Role           { return RoleCustomer }
func (p CustomerPersona) DisplayName() string  { return p.Name }
func (p CustomerPersona) PhoneAddress() string { return p.Phone }
func (p CustomerPersona) SystemPrompt() string { return p.Prompt }

// AgentPersona is a static descriptive record for the agent leg.
type AgentPersona struct {
	ID         string
	Name       string
	Phone      string
	Competence Competence
	Prompt     string
}

func (p AgentPersona) Role() Role           { return RoleAgent }
func (p AgentPersona) DisplayName() string  { return p.Name }
func (p AgentPersona) PhoneAddress() string { return p.Phone }
func (p AgentPersona) SystemPrompt() string { return p.Prompt }
