package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"
	MsgConfigNoChatBackends = "no chat backend API keys configured, AI chat will be disabled"

	// Environment Variables
	EnvDiscordToken     = "DISCORD_TOKEN"
	EnvSilent           = "SILENT"
	EnvOwnerIDs         = "OWNER_IDS"
	EnvGuildID          = "GUILD_ID"
	EnvGeminiAPIKey     = "GEMINI_API_KEY"
	EnvGeminiBaseURL    = "GEMINI_BASE_URL"
	EnvGeminiModel      = "GEMINI_MODEL"
	EnvDeepSeekAPIKey   = "DEEPSEEK_API_KEY"
	EnvDeepSeekBaseURL  = "DEEPSEEK_BASE_URL"
	EnvDeepSeekModel    = "DEEPSEEK_MODEL"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvOpenAIModel      = "OPENAI_MODEL"
	EnvChatMemoryTurns  = "CHAT_MEMORY_TURNS"
	EnvChatRateLimit    = "CHAT_RATE_LIMIT"
	EnvVoiceIdleTimeout = "VOICE_IDLE_TIMEOUT"
	EnvYoutubeProxy     = "YOUTUBE_PROXY"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool

	GeminiAPIKey    string
	GeminiBaseURL   string
	GeminiModel     string
	DeepSeekAPIKey  string
	DeepSeekBaseURL string
	DeepSeekModel   string
	OpenAIAPIKey    string
	OpenAIModel     string

	ChatMemoryTurns  int
	ChatRateLimit    float64
	VoiceIdleTimeout time.Duration
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:        token,
		GuildID:      os.Getenv(EnvGuildID),
		DatabasePath: dbPath,
		OwnerIDs:     ownerIDs,
		Silent:       silent,

		GeminiAPIKey:    os.Getenv(EnvGeminiAPIKey),
		GeminiBaseURL:   os.Getenv(EnvGeminiBaseURL),
		GeminiModel:     os.Getenv(EnvGeminiModel),
		DeepSeekAPIKey:  os.Getenv(EnvDeepSeekAPIKey),
		DeepSeekBaseURL: os.Getenv(EnvDeepSeekBaseURL),
		DeepSeekModel:   os.Getenv(EnvDeepSeekModel),
		OpenAIAPIKey:    os.Getenv(EnvOpenAIAPIKey),
		OpenAIModel:     os.Getenv(EnvOpenAIModel),
	}

	if cfg.GeminiBaseURL == "" {
		cfg.GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.0-flash"
	}
	if cfg.DeepSeekBaseURL == "" {
		cfg.DeepSeekBaseURL = "https://api.deepseek.com/v1"
	}
	if cfg.DeepSeekModel == "" {
		cfg.DeepSeekModel = "deepseek-chat"
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}

	cfg.ChatMemoryTurns, _ = strconv.Atoi(os.Getenv(EnvChatMemoryTurns))
	if cfg.ChatMemoryTurns == 0 {
		cfg.ChatMemoryTurns = 10
	}
	cfg.ChatRateLimit, _ = strconv.ParseFloat(os.Getenv(EnvChatRateLimit), 64)
	if cfg.ChatRateLimit == 0 {
		cfg.ChatRateLimit = 0.5 // One request every 2 seconds per user
	}
	if d, err := time.ParseDuration(os.Getenv(EnvVoiceIdleTimeout)); err == nil && d > 0 {
		cfg.VoiceIdleTimeout = d
	} else {
		cfg.VoiceIdleTimeout = 2 * time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

func (c *Config) IsOwner(userID string) bool {
	for _, id := range c.OwnerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
