package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ZapiInstanceID  string
	ZapiToken       string
	ZapiClientToken string

	OpenAIAPIKey string

	TramitacaoAPIKey  string
	TramitacaoBaseURL string

	TrelloKey     string
	TrelloToken   string
	TrelloBoardID string
	TrelloListID  string

	// Contact suffixes allowed to talk to the AI during staged rollout.
	// Empty means AI is on for everyone.
	AllowlistSuffixes []string

	Port    string
	DataDir string
}

func Load() (*Config, error) {
	// .env is optional, env vars may already be set (e.g. in production)
	_ = godotenv.Load()

	cfg := &Config{
		ZapiInstanceID:    os.Getenv("ZAPI_INSTANCE_ID"),
		ZapiToken:         os.Getenv("ZAPI_TOKEN"),
		ZapiClientToken:   os.Getenv("ZAPI_CLIENT_TOKEN"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		TramitacaoAPIKey:  os.Getenv("TRAMITACAO_API_KEY"),
		TramitacaoBaseURL: os.Getenv("TRAMITACAO_API_BASE_URL"),
		TrelloKey:         os.Getenv("TRELLO_KEY"),
		TrelloToken:       os.Getenv("TRELLO_TOKEN"),
		TrelloBoardID:     os.Getenv("TRELLO_BOARD_ID"),
		TrelloListID:      os.Getenv("TRELLO_LIST_ID"),
		AllowlistSuffixes: splitList(os.Getenv("ALLOWLIST_SUFFIXES")),
		Port:              os.Getenv("PORT"),
		DataDir:           os.Getenv("DATA_DIR"),
	}

	if cfg.Port == "" {
		cfg.Port = "3000"
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	if cfg.TramitacaoBaseURL == "" {
		cfg.TramitacaoBaseURL = "https://api.tramitacaointeligente.com.br/api/v1"
	}

	for _, req := range []struct {
		name, val string
	}{
		{"ZAPI_INSTANCE_ID", cfg.ZapiInstanceID},
		{"ZAPI_TOKEN", cfg.ZapiToken},
		{"ZAPI_CLIENT_TOKEN", cfg.ZapiClientToken},
		{"OPENAI_API_KEY", cfg.OpenAIAPIKey},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("required env var %s is not set", req.name)
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
