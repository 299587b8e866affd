package config

import (
	"os"
	"strings"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
)

// applyLegacyEnv fills credentials from the conventional vendor variables
// (GROQ_API_KEY, TAVILY_API_KEY, TWILIO_*) when the config left them empty.
func applyLegacyEnv(cfg *Config) {
	if cfg.Model.APIKey == "" {
		switch strings.ToLower(cfg.Model.Provider) {
		case internal.ProviderGroq:
			cfg.Model.APIKey = os.Getenv("GROQ_API_KEY")
		case internal.ProviderOpenAI:
			cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	fill(&cfg.Tools.TavilyAPIKey, "TAVILY_API_KEY")
	fill(&cfg.Tools.TwilioAccountSID, "TWILIO_ACCOUNT_SID")
	fill(&cfg.Tools.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
	fill(&cfg.Tools.TwilioWhatsAppFrom, "TWILIO_WHATSAPP_FROM")
}

func fill(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}
