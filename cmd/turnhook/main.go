package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"callsim/handler"
	"callsim/internal/integrations/openai"
	"callsim/internal/integrations/paramstore"
	"callsim/internal/repository"
	"callsim/internal/turn"
)

func main() {
	ctx := context.Background()
	log := slog.Default()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	answerURL := mustEnv("ANSWER_URL")
	model := envStr("OPENAI_MODEL", "gpt-4o-mini")
	voice := envStr("VOICE", "Polly.Joanna")
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
	generator, err := openai.NewClient(ssmClient, paramPrefix, model)
	if err != nil {
		log.Error("failed to create generation client", "err", err)
		os.Exit(1)
	}

	// ---- Engine and handler ----
	engine, err := turn.New(stateClient, generator, func(err error) bool {
		return errors.Is(err, repository.ErrVersionConflict)
	}, log)
	if err != nil {
		log.Error("failed to create turn engine", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewTurnHandler(engine, answerURL, voice, log)
	if err != nil {
		log.Error("failed to create turn handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
