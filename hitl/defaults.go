package hitl

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultAppName    = "hitl-chat"
	DefaultConfigName = "config"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir     = filepath.Join(userConfigDir(), DefaultAppName, "data")
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDataDir, "checkpoints.db")
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendLibSQL = "libsql"
)

// Model providers. All speak the OpenAI chat completions protocol.
const (
	ProviderOpenAI = "openai"
	ProviderGroq   = "groq"
	ProviderOllama = "ollama"

	DefaultGroqBaseURL   = "https://api.groq.com/openai/v1"
	DefaultOllamaBaseURL = "http://localhost:11434/v1"
	DefaultModelName     = "llama-3.3-70b-versatile"
)

// Engine limits.
const (
	DefaultMaxIterations = 10
	DefaultModelTimeout  = 60 * time.Second
	DefaultToolTimeout   = 30 * time.Second
	DefaultMaxToolOutput = 10000
)

// Tools.
const (
	DefaultTavilyBaseURL      = "https://api.tavily.com"
	DefaultSearchMaxResults   = 2
	DefaultSearchCacheSize    = 256
	DefaultSearchCacheTTL     = 300
	DefaultServerAddr         = ":8000"
	DefaultServerReadTimeout  = 15 * time.Second
	DefaultServerWriteTimeout = 120 * time.Second
)

// RejectionMessage is the assistant reply appended when a gated action is declined.
const RejectionMessage = "WhatsApp message was not sent (rejected by user). How else can I help you?"

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir
}
