// Package config loads the engine's configuration: provider pools,
// engine tunables, and the router's own inbound API key. Grounded on the
// teacher's internal/config.LoadConfig/InitFlags — same file-or-default
// JSON load, same flag-over-env-var-over-file precedence for the API key,
// same godotenv-then-flag wiring — generalized from BackendConfig to
// ProviderConfig/EngineTunables.
package config

import (
	"encoding/json"
	"flag"
	"os"

	"llm-router/internal/logging"
	"llm-router/internal/model"
	"llm-router/internal/utils"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// LoadConfig loads the configuration from configFile if it exists, else
// falls back to defaultConfig, then layers command-line/env overrides on
// top.
func LoadConfig(configFile, llmRouterAPIKeyEnv, llmRouterAPIKey string, listeningPort int, defaultConfig model.Config, logger *zap.Logger) (*model.Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, continuing with system environment variables", zap.Error(err))
	} else {
		logger.Info(".env file loaded")
	}

	logger.Info("loading configuration", zap.String("config_file", configFile))

	var cfg model.Config
	if _, err := os.Stat(configFile); err == nil {
		fileData, err := os.ReadFile(configFile)
		if err != nil {
			logger.Error("failed to read config file", zap.String("file", configFile), zap.Error(err))
			return nil, err
		}
		if err := json.Unmarshal(fileData, &cfg); err != nil {
			logger.Error("failed to unmarshal config file", zap.String("file", configFile), zap.Error(err))
			return nil, err
		}
		logger.Info("config file loaded", zap.String("file", configFile))
	} else {
		logger.Warn("config file not found, using defaults", zap.String("file", configFile))
		cfg = defaultConfig
	}

	if cfg.Tunables == (model.EngineTunables{}) {
		cfg.Tunables = model.DefaultTunables()
	}

	if listeningPort != 0 {
		cfg.ListeningPort = listeningPort
		logger.Info("listening port override applied", zap.Int("port", listeningPort))
	}

	if llmRouterAPIKeyEnv != "" {
		cfg.LLMRouterAPIKeyEnv = llmRouterAPIKeyEnv
	} else if cfg.LLMRouterAPIKeyEnv == "" {
		cfg.LLMRouterAPIKeyEnv = "LLMROUTER_API_KEY"
	}

	switch {
	case llmRouterAPIKey != "":
		cfg.LLMRouterAPIKey = llmRouterAPIKey
		logger.Info("using router API key from command line", zap.String("key", logging.RedactAuthorization("Bearer "+cfg.LLMRouterAPIKey)))
	case os.Getenv(cfg.LLMRouterAPIKeyEnv) != "":
		cfg.LLMRouterAPIKey = os.Getenv(cfg.LLMRouterAPIKeyEnv)
		logger.Info("using router API key from environment variable", zap.String("key", logging.RedactAuthorization("Bearer "+cfg.LLMRouterAPIKey)))
	case cfg.LLMRouterAPIKey != "":
		logger.Info("using router API key from config file", zap.String("key", logging.RedactAuthorization("Bearer "+cfg.LLMRouterAPIKey)))
	default:
		generated, err := utils.GenerateStrongAPIKey()
		if err != nil {
			logger.Error("failed to generate router API key", zap.Error(err))
			return nil, err
		}
		cfg.LLMRouterAPIKey = generated
		cfg.UseGeneratedKey = true
		logger.Info("generated a router API key for this session", zap.String("key", logging.RedactAuthorization("Bearer "+cfg.LLMRouterAPIKey)))
	}

	for i, p := range cfg.Providers {
		cfg.Providers[i].APIKeys = resolveAPIKeys(p, logger)
	}

	cfg.Logger = logger
	cfg.ConfigFilePath = configFile

	logger.Info("configuration loaded", zap.Int("providers", len(cfg.Providers)))
	return &cfg, nil
}

// resolveAPIKeys expands any "$ENV_VAR"-style entry in a provider's
// api_keys list into the environment variable's value, the same
// convention the teacher's resolveAPIKeys in internal/proxy/proxy.go uses.
func resolveAPIKeys(p model.ProviderConfig, logger *zap.Logger) []string {
	resolved := make([]string, 0, len(p.APIKeys))
	for _, keyOrEnv := range p.APIKeys {
		if len(keyOrEnv) > 0 && keyOrEnv[0] == '$' {
			envVar := keyOrEnv[1:]
			if v := os.Getenv(envVar); v != "" {
				resolved = append(resolved, v)
			} else {
				logger.Warn("environment variable not set for provider API key",
					zap.String("provider", p.Name), zap.String("env_var", envVar))
			}
			continue
		}
		resolved = append(resolved, keyOrEnv)
	}
	return resolved
}

// InitFlags parses the engine's command-line flags.
func InitFlags() (configFile, llmRouterAPIKeyEnv, llmRouterAPIKey string, listeningPort int, logLevel string) {
	config := flag.String("config", "config.json", "path to the configuration file")
	apiKeyEnv := flag.String("llmrouter-api-key-env", "LLMROUTER_API_KEY", "environment variable holding the router's inbound API key")
	apiKey := flag.String("llmrouter-api-key", "", "router inbound API key (overrides the environment variable)")
	port := flag.Int("port", 0, "listening port (overrides config file)")
	level := flag.String("log-level", "info", "log level: debug, info, warn, error, dpanic, panic, fatal")

	flag.Parse()

	return *config, *apiKeyEnv, *apiKey, *port, *level
}
