package main

import (
	"fmt"
	"net/http"

	"llm-router/internal/clockutil"
	"llm-router/internal/config"
	"llm-router/internal/dispatch"
	"llm-router/internal/httpapi"
	"llm-router/internal/llmclient"
	"llm-router/internal/logging"
	"llm-router/internal/model"
	"llm-router/internal/registry"
	"llm-router/internal/store"
	"llm-router/internal/tokens"
	"llm-router/internal/usage"

	"go.uber.org/zap"
)

func main() {
	defaultConfig := model.Config{
		ListeningPort: 11411,
		Providers: []model.ProviderConfig{
			{
				Name:          "openai",
				BaseURL:       "https://api.openai.com/v1",
				Prefix:        "openai/",
				Default:       true,
				RequireAPIKey: true,
			},
			{
				Name:    "ollama",
				BaseURL: "http://localhost:11434/v1",
				Prefix:  "ollama/",
			},
		},
		Tunables:           model.DefaultTunables(),
		LLMRouterAPIKeyEnv: "LLMROUTER_API_KEY",
		Aliases:            make(map[string]string),
		SnapshotPath:       "llm-router-usage.json",
	}

	configFile, llmRouterAPIKeyEnv, llmRouterAPIKey, listeningPort, logLevel := config.InitFlags()

	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(configFile, llmRouterAPIKeyEnv, llmRouterAPIKey, listeningPort, defaultConfig, logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if cfg.UseGeneratedKey {
		fmt.Printf(`
This engine's inbound endpoint accepts requests bearing an API key.
A strong key is recommended before exposing it beyond localhost.

You may specify one via:
- Environment variable: export %s=your_api_key
- Command line flag: --llmrouter-api-key=your_api_key

Since neither was set, a key was generated for this session:
%s
`, cfg.LLMRouterAPIKeyEnv, cfg.LLMRouterAPIKey)
	}

	fmt.Printf("\n=== Configured Providers (%d) ===\n", len(cfg.Providers))
	for i, p := range cfg.Providers {
		fmt.Printf("  %d. %s\n", i+1, p.Name)
		fmt.Printf("     URL: %s\n", p.BaseURL)
		fmt.Printf("     Keys: %d\n", len(p.APIKeys))
		if p.Default {
			fmt.Printf("     Default: true\n")
		}
	}
	fmt.Println()

	reg, err := registry.New(cfg.Providers)
	if err != nil {
		logger.Fatal("failed to build provider registry", zap.Error(err))
	}

	snapshotPath := cfg.SnapshotPath
	if snapshotPath == "" {
		snapshotPath = "llm-router-usage.json"
	}
	st := store.NewFileStore(snapshotPath)

	clock := clockutil.Real{}
	usageMgr, err := usage.NewManager(cfg.Providers, cfg.Tunables, st, clock, logger)
	if err != nil {
		logger.Fatal("failed to initialize usage manager", zap.Error(err))
	}
	defer usageMgr.Close()

	client := llmclient.New(reg, nil, logger)
	tokenCounter := tokens.New()
	disp := dispatch.New(client, usageMgr, tokenCounter, clock, cfg.Tunables, logger)
	defer disp.Close()

	mux := httpapi.NewMux(cfg, disp)

	addr := fmt.Sprintf(":%d", cfg.ListeningPort)
	logger.Info("starting server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
