package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	twiliosdk "github.com/twilio/twilio-go"

	"callsim/handler"
	"callsim/internal/domain"
	"callsim/internal/integrations/paramstore"
	"callsim/internal/integrations/twilio"
	"callsim/internal/orchestrator"
	"callsim/internal/pairing"
	"callsim/internal/repository"
	"callsim/internal/telephony"
)

func main() {
	ctx := context.Background()
	log := slog.Default()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	answerURL := mustEnv("ANSWER_URL")
	agentCallerID := mustEnv("AGENT_CALLER_ID")
	customerCallerID := mustEnv("CUSTOMER_CALLER_ID")
	terminationSeconds := envInt("TERMINATION_SECONDS", 600)
	quotaLimit := envInt("DAILY_QUOTA_LIMIT", 200)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		log.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable, quotaLimit)
	if err != nil {
		log.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	accountSID, err := ssmClient.GetParameter(ctx, paramPrefix+"/twilio-account-sid")
	if err != nil {
		log.Error("failed to load twilio account sid", "err", err)
		os.Exit(1)
	}
	authToken, err := ssmClient.GetParameter(ctx, paramPrefix+"/twilio-auth-token")
	if err != nil {
		log.Error("failed to load twilio auth token", "err", err)
		os.Exit(1)
	}
	restClient := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	provider, err := twilio.New(restClient.Api)
	if err != nil {
		log.Error("failed to create telephony provider", "err", err)
		os.Exit(1)
	}

	// ---- Persona dataset ----
	personaStore, err := loadPersonas(ctx, ssmClient, paramPrefix+"/personas")
	if err != nil {
		log.Error("failed to load persona dataset", "err", err)
		os.Exit(1)
	}
	selector, err := pairing.NewSelector(personaStore, pairing.NewStats())
	if err != nil {
		log.Error("failed to create pair selector", "err", err)
		os.Exit(1)
	}

	// ---- Orchestrator and handler ----
	joiner, err := telephony.NewJoiner(provider, stateClient, log)
	if err != nil {
		log.Error("failed to create joiner", "err", err)
		os.Exit(1)
	}
	orch, err := orchestrator.New(selector, joiner, provider, orchestrator.Config{
		AgentCallerID:      agentCallerID,
		CustomerCallerID:   customerCallerID,
		AnswerURL:          answerURL,
		TerminationSeconds: terminationSeconds,
	}, log)
	if err != nil {
		log.Error("failed to create orchestrator", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewLaunchHandler(orch, log)
	if err != nil {
		log.Error("failed to create launch handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// personaDataset is the JSON document stored under <prefix>/personas.
type personaDataset struct {
	Customers []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Demeanor string `json:"demeanor"`
		Prompt   string `json:"prompt"`
	} `json:"customers"`
	Agents []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Phone      string `json:"phone"`
		Competence string `json:"competence"`
		Prompt     string `json:"prompt"`
	} `json:"agents"`
}

type personaStore struct {
	customers []domain.CustomerPersona
	agents    []domain.AgentPersona
}

func (s *personaStore) Customers() []domain.CustomerPersona { return s.customers }
func (s *personaStore) Agents() []domain.AgentPersona       { return s.agents }

func loadPersonas(ctx context.Context, params paramstore.Getter, name string) (pairing.Store, error) {
	raw, err := params.GetParameter(ctx, name)
	if err != nil {
		return nil, err
	}
	var ds personaDataset
	if err := json.Unmarshal([]byte(raw), &ds); err != nil {
		return nil, fmt.Errorf("decode persona dataset: %w", err)
	}

	store := &personaStore{}
	for _, c := range ds.Customers {
		store.customers = append(store.customers, domain.CustomerPersona{
			ID: c.ID, Name: c.Name, Phone: c.Phone, Demeanor: c.Demeanor, Prompt: c.Prompt,
		})
	}
	for _, a := range ds.Agents {
		competence, err := domain.ParseCompetence(a.Competence)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		store.agents = append(store.agents, domain.AgentPersona{
			ID: a.ID, Name: a.Name, Phone: a.Phone, Competence: competence, Prompt: a.Prompt,
		})
	}
	return store, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
