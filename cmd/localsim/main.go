// Command localsim runs a complete two-party conversation offline: a bolt
// file stands in for DynamoDB and a scripted generator stands in for the
// model, so the turn loop can be exercised without any cloud credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"callsim/internal/domain"
	"callsim/internal/localstore"
	"callsim/internal/pairing"
	"callsim/internal/turn"
)

func main() {
	rounds := flag.Int("rounds", 4, "number of agent/customer exchanges to simulate")
	dbPath := flag.String("db", "", "bolt file path (default: temp file, removed on exit)")
	strategy := flag.String("strategy", pairing.StrategyRandom, "pair selection strategy")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(context.Background(), *rounds, *dbPath, *strategy, log); err != nil {
		fmt.Fprintln(os.Stderr, "localsim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rounds int, dbPath, strategy string, log *slog.Logger) error {
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "localsim")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "callsim.bolt")
	}

	store, err := localstore.Open(dbPath, 1000)
	if err != nil {
		return err
	}
	defer store.Close()

	selector, err := pairing.NewSelector(demoStore{}, pairing.NewStats())
	if err != nil {
		return err
	}
	pair, err := selector.SelectPairWithStrategy(strategy)
	if err != nil {
		return err
	}
	fmt.Printf("conversation %s (%s)\n", pair.ConversationID, pair.Strategy)
	fmt.Printf("  customer: %s (%s)\n", pair.Customer.Name, pair.Customer.Demeanor)
	fmt.Printf("  agent:    %s (%s)\n\n", pair.Agent.Name, pair.Agent.Competence)

	// What the orchestrated join would have stored for each leg.
	legs := []domain.LegContext{
		{
			ConversationID: pair.ConversationID,
			Role:           domain.RoleAgent,
			DisplayName:    pair.Agent.Name,
			Phone:          pair.Agent.Phone,
			SystemPrompt:   pair.Agent.Prompt,
			CounterpartID:  pair.Customer.ID,
		},
		{
			ConversationID: pair.ConversationID,
			Role:           domain.RoleCustomer,
			DisplayName:    pair.Customer.Name,
			Phone:          pair.Customer.Phone,
			SystemPrompt:   pair.Customer.Prompt,
			CounterpartID:  pair.Agent.ID,
		},
	}
	for _, lc := range legs {
		if err := store.PutLegContext(ctx, lc); err != nil {
			return err
		}
	}

	conflict := func(err error) bool { return errors.Is(err, localstore.ErrVersionConflict) }
	agentEngine, err := turn.New(store, &scriptedGenerator{lines: agentLines}, conflict, log)
	if err != nil {
		return err
	}
	customerEngine, err := turn.New(store, &scriptedGenerator{lines: customerLines}, conflict, log)
	if err != nil {
		return err
	}

	// The customer dials in and speaks first; after that each leg replies
	// to what the other just said, exactly as the webhooks would.
	heardByAgent := "Hi, I'm calling about a double charge on my last invoice."
	fmt.Printf("%-10s %s\n", pair.Customer.Name+":", heardByAgent)
	for i := 0; i < rounds; i++ {
		out, err := agentEngine.Take(ctx, turn.Input{
			ConversationID: pair.ConversationID,
			Role:           domain.RoleAgent,
			Speech:         heardByAgent,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %s\n", pair.Agent.Name+":", out.Reply)

		out, err = customerEngine.Take(ctx, turn.Input{
			ConversationID: pair.ConversationID,
			Role:           domain.RoleCustomer,
			Speech:         out.Reply,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %s\n", pair.Customer.Name+":", out.Reply)
		heardByAgent = out.Reply
	}
	return nil
}

var agentLines = []string{
	"Thanks for calling, I can help with that. Could you confirm the invoice number?",
	"I see the duplicate charge on my end. I'm submitting a refund right now.",
	"The refund is in, you should see it within three business days.",
	"You're welcome. Is there anything else I can help you with today?",
}

var customerLines = []string{
	"Sure, it's invoice 4471, from the fourteenth.",
	"A refund works for me, how long will it take?",
	"Three days is fine. Thanks for sorting it out so quickly.",
	"No, that's everything. Have a good day.",
}

// scriptedGenerator replays canned lines in order, looping when exhausted.
type scriptedGenerator struct {
	lines []string
	next  int
}

func (g *scriptedGenerator) Chat(_ context.Context, _ []domain.ChatMessage) (string, error) {
	line := g.lines[g.next%len(g.lines)]
	g.next++
	return line, nil
}

// demoStore is a tiny built-in persona dataset.
type demoStore struct{}

func (demoStore) Customers() []domain.CustomerPersona {
	return []domain.CustomerPersona{
		{
			ID:       "cust-ella",
			Name:     "Ella",
			Phone:    "+15005550101",
			Demeanor: "patient",
			Prompt:   "You are Ella, a polite customer disputing a duplicate charge.",
		},
		{
			ID:       "cust-marcus",
			Name:     "Marcus",
			Phone:    "+15005550102",
			Demeanor: "frustrated",
			Prompt:   "You are Marcus, an irritated customer who has called twice already.",
		},
	}
}

func (demoStore) Agents() []domain.AgentPersona {
	return []domain.AgentPersona{
		{
			ID:         "agent-priya",
			Name:       "Priya",
			Phone:      "+15005550201",
			Competence: domain.CompetenceHigh,
			Prompt:     "You are Priya, a senior billing support agent.",
		},
		{
			ID:         "agent-tom",
			Name:       "Tom",
			Phone:      "+15005550202",
			Competence: domain.CompetenceLow,
			Prompt:     "You are Tom, a support agent in his first week.",
		},
	}
}
