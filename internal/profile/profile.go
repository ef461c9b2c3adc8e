package profile

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
// 主服务启动配置。
type Profile struct {
	// Core
	DatabaseURL string // Postgres DSN, required unless SessionRepo == "memory"
	Addr        string
	Port        int
	Mode        string // "prod" | "dev" | "demo"
	Version     string

	// Conversation engine defaults (overridable per user/persona in DB)
	MemoryWindow     int     // history entries fed to the LLM (default 8)
	MaxAgents        int     // simultaneous speakers per round (default 2)
	MaxExchanges     int     // rounds per user turn (default 8)
	StopPatience     int     // smart-stop sliding window size (default 2)
	StopHeatThresh   float64 // smart-stop heat threshold (default 0.6)
	StopSimThresh    float64 // smart-stop redundancy similarity (default 0.9)
	Temperature      float32 // default sampling temperature (default 0.4)
	HistoryLimit     int     // messages loaded per turn (default 50)
	EncryptionSecret string  // secret for API-key encryption

	// Test/deployment switches
	SessionRepo string // "db" | "memory"
	RuntimeMode string // "nemo" | "stub"

	// Vector store (reuses DatabaseURL when empty)
	VectorDatabaseURL string
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
// 从环境变量加载配置。
func (p *Profile) FromEnv() {
	p.DatabaseURL = getEnvOrDefault("DATABASE_URL", p.DatabaseURL)

	p.MemoryWindow = getEnvOrDefaultInt("MUL_IN_ONE_MEMORY_WINDOW", 8)
	p.MaxAgents = getEnvOrDefaultInt("MUL_IN_ONE_MAX_AGENTS", 2)
	p.MaxExchanges = getEnvOrDefaultInt("MUL_IN_ONE_MAX_EXCHANGES", 8)
	p.StopPatience = getEnvOrDefaultInt("MUL_IN_ONE_STOP_PATIENCE", 2)
	p.StopHeatThresh = getEnvOrDefaultFloat("MUL_IN_ONE_STOP_HEAT_THRESH", 0.6)
	p.StopSimThresh = getEnvOrDefaultFloat("MUL_IN_ONE_STOP_SIM_THRESH", 0.9)
	p.Temperature = float32(getEnvOrDefaultFloat("MUL_IN_ONE_TEMPERATURE", 0.4))
	p.HistoryLimit = getEnvOrDefaultInt("MUL_IN_ONE_HISTORY_LIMIT", 50)
	p.EncryptionSecret = getEnvOrDefault("MUL_IN_ONE_ENCRYPTION_KEY", "")

	p.SessionRepo = getEnvOrDefault("MUL_IN_ONE_SESSION_REPO", "db")
	p.RuntimeMode = getEnvOrDefault("MUL_IN_ONE_RUNTIME_MODE", "nemo")

	p.VectorDatabaseURL = getEnvOrDefault("MUL_IN_ONE_VECTOR_DATABASE_URL", "")

	if p.Addr == "" {
		p.Addr = getEnvOrDefault("MUL_IN_ONE_ADDR", "")
	}
	if p.Port == 0 {
		p.Port = getEnvOrDefaultInt("MUL_IN_ONE_PORT", 28090)
	}
}

// Validate checks the profile for required values and normalizes modes.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}

	switch p.SessionRepo {
	case "db", "memory":
	default:
		return errors.Errorf("invalid MUL_IN_ONE_SESSION_REPO %q, expected db or memory", p.SessionRepo)
	}

	switch p.RuntimeMode {
	case "nemo", "stub":
	default:
		return errors.Errorf("invalid MUL_IN_ONE_RUNTIME_MODE %q, expected nemo or stub", p.RuntimeMode)
	}

	if p.SessionRepo == "db" && p.DatabaseURL == "" {
		return errors.New("missing required environment variable: DATABASE_URL")
	}

	if p.MemoryWindow < -1 {
		p.MemoryWindow = -1
	}
	if p.MaxExchanges <= 0 {
		p.MaxExchanges = 8
	}
	if p.StopPatience <= 0 {
		p.StopPatience = 2
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = 50
	}

	return nil
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}
