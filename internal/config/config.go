package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the device agent and the stub
// backend.
type Config struct {
	App    AppConfig
	API    APIConfig
	Store  StoreConfig
	Push   PushConfig
	Logger LoggerConfig
	Auth   AuthConfig
	Stub   StubConfig
}

// AppConfig controls agent level behavior.
type AppConfig struct {
	Name     string
	Env      string
	Version  string
	DeviceID string
	// Optional credentials the agent logs in with when no stored session is
	// found. Development convenience; production logins come from the UI.
	LoginEmail    string
	LoginPassword string
	// Device push token as handed over by the platform notification service.
	DeviceToken string
}

// APIConfig holds backend connection values and per-operation timeouts.
type APIConfig struct {
	BaseURL                  string
	RequestTimeoutSeconds    int
	BackgroundTimeoutSeconds int
	LoginTimeoutSeconds      int
	RefreshTimeoutSeconds    int
}

// StoreConfig configures the encrypted credential store.
type StoreConfig struct {
	Path       string
	Passphrase string
}

// PushConfig configures push-token reconciliation.
type PushConfig struct {
	MaxAttempts              int
	BaseDelayMillis          int
	MaxDelayMillis           int
	RestartCooldownMinutes   int
	RegisterTimeoutSeconds   int
	UnregisterTimeoutSeconds int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token parameters for the stub backend.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLHours  int
	BcryptCost            int
}

// StubConfig holds bind address and seed account for the stub backend.
type StubConfig struct {
	Host         string
	Port         string
	SeedEmail    string
	SeedPassword string
	SeedName     string
}

// Load reads configuration from environment variables, applying defaults where
// possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Name:          getEnv("APP_NAME", "eagle-notifier-agent"),
			Env:           getEnv("APP_ENV", "development"),
			Version:       getEnv("APP_VERSION", "dev"),
			DeviceID:      getEnv("DEVICE_ID", uuid.NewString()),
			LoginEmail:    os.Getenv("AGENT_LOGIN_EMAIL"),
			LoginPassword: os.Getenv("AGENT_LOGIN_PASSWORD"),
			DeviceToken:   os.Getenv("DEVICE_PUSH_TOKEN"),
		},
		API: APIConfig{
			BaseURL:                  getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
			RequestTimeoutSeconds:    getEnvAsInt("API_REQUEST_TIMEOUT_SECONDS", 10),
			BackgroundTimeoutSeconds: getEnvAsInt("API_BACKGROUND_TIMEOUT_SECONDS", 5),
			LoginTimeoutSeconds:      getEnvAsInt("API_LOGIN_TIMEOUT_SECONDS", 15),
			RefreshTimeoutSeconds:    getEnvAsInt("API_REFRESH_TIMEOUT_SECONDS", 10),
		},
		Store: StoreConfig{
			Path:       getEnv("CREDENTIAL_STORE_PATH", ".eagle-credentials.enc"),
			Passphrase: getEnv("CREDENTIAL_STORE_PASSPHRASE", ""),
		},
		Push: PushConfig{
			MaxAttempts:              getEnvAsInt("PUSH_MAX_ATTEMPTS", 3),
			BaseDelayMillis:          getEnvAsInt("PUSH_BASE_DELAY_MS", 1000),
			MaxDelayMillis:           getEnvAsInt("PUSH_MAX_DELAY_MS", 10000),
			RestartCooldownMinutes:   getEnvAsInt("PUSH_RESTART_COOLDOWN_MINUTES", 5),
			RegisterTimeoutSeconds:   getEnvAsInt("PUSH_REGISTER_TIMEOUT_SECONDS", 10),
			UnregisterTimeoutSeconds: getEnvAsInt("PUSH_UNREGISTER_TIMEOUT_SECONDS", 5),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 15),
			RefreshTokenTTLHours:  getEnvAsInt("AUTH_REFRESH_TOKEN_TTL_HOURS", 720),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
		},
		Stub: StubConfig{
			Host:         getEnv("STUB_HOST", "0.0.0.0"),
			Port:         getEnv("STUB_PORT", "8080"),
			SeedEmail:    getEnv("STUB_SEED_EMAIL", "operator@example.com"),
			SeedPassword: getEnv("STUB_SEED_PASSWORD", "changeme"),
			SeedName:     getEnv("STUB_SEED_NAME", "Furnace Operator"),
		},
	}

	if cfg.Store.Passphrase == "" {
		return nil, fmt.Errorf("CREDENTIAL_STORE_PASSPHRASE is required")
	}

	return cfg, nil
}

// Addr returns the stub backend bind address.
func (s StubConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// RequestTimeout returns the default foreground request timeout.
func (a APIConfig) RequestTimeout() time.Duration {
	return seconds(a.RequestTimeoutSeconds, 10)
}

// BackgroundTimeout returns the timeout for non-critical background calls.
func (a APIConfig) BackgroundTimeout() time.Duration {
	return seconds(a.BackgroundTimeoutSeconds, 5)
}

// LoginTimeout returns the login call timeout.
func (a APIConfig) LoginTimeout() time.Duration {
	return seconds(a.LoginTimeoutSeconds, 15)
}

// RefreshTimeout returns the token refresh call timeout.
func (a APIConfig) RefreshTimeout() time.Duration {
	return seconds(a.RefreshTimeoutSeconds, 10)
}

// BaseDelay returns the backoff base delay.
func (p PushConfig) BaseDelay() time.Duration {
	if p.BaseDelayMillis <= 0 {
		return time.Second
	}
	return time.Duration(p.BaseDelayMillis) * time.Millisecond
}

// MaxDelay returns the backoff delay cap.
func (p PushConfig) MaxDelay() time.Duration {
	if p.MaxDelayMillis <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.MaxDelayMillis) * time.Millisecond
}

// RestartCooldown returns the minimum quiet period after exhausted retries
// before a new process resumes reconciliation.
func (p PushConfig) RestartCooldown() time.Duration {
	if p.RestartCooldownMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.RestartCooldownMinutes) * time.Minute
}

// RegisterTimeout returns the push-token registration call timeout.
func (p PushConfig) RegisterTimeout() time.Duration {
	return seconds(p.RegisterTimeoutSeconds, 10)
}

// UnregisterTimeout returns the best-effort unregister call timeout.
func (p PushConfig) UnregisterTimeout() time.Duration {
	return seconds(p.UnregisterTimeoutSeconds, 5)
}

// AccessTokenTTL returns the stub backend access token lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	if a.AccessTokenTTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// RefreshTokenTTL returns the stub backend refresh token lifetime.
func (a AuthConfig) RefreshTokenTTL() time.Duration {
	if a.RefreshTokenTTLHours <= 0 {
		return 720 * time.Hour
	}
	return time.Duration(a.RefreshTokenTTLHours) * time.Hour
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}
