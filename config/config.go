package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	APIPort    int
	ServerPort int
	OCPPPath   string
	PublicURL  string

	// Party identity
	Role            ocpi.Role
	CountryCode     string
	PartyID         string
	BusinessName    string
	BusinessWebsite string

	// Protocol tuning
	CommandAwaitTime       time.Duration
	CommandResultRetention time.Duration
	MaxPageSize            int

	// Storage
	StorageDriver string
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string

	// OCPP configuration
	HeartbeatInterval int
	Currency          string

	// Operator access
	AdminAPIKey     string
	BootstrapTokens []string
	CORSOrigins     []string

	// Outbound calls
	OutboundRateLimit      float64
	CallbackRetryMax       int
	NotificationWebhookURL string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	apiPort, err := strconv.Atoi(getEnv("API_PORT", "8888"))
	if err != nil {
		return nil, fmt.Errorf("invalid API_PORT: %v", err)
	}

	serverPort, err := strconv.Atoi(getEnv("SERVER_PORT", "8887"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %v", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %v", err)
	}

	heartbeatInterval, err := strconv.Atoi(getEnv("HEARTBEAT_INTERVAL", "600"))
	if err != nil {
		return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %v", err)
	}

	role, err := ocpi.ParseRole(getEnv("OCPI_ROLE", "EMSP"))
	if err != nil {
		return nil, fmt.Errorf("invalid OCPI_ROLE: %v", err)
	}

	countryCode := strings.ToUpper(getEnv("COUNTRY_CODE", "US"))
	if len(countryCode) != 2 {
		return nil, fmt.Errorf("invalid COUNTRY_CODE: %q must be 2 characters", countryCode)
	}

	partyID := strings.ToUpper(getEnv("PARTY_ID", "EMS"))
	if len(partyID) != 3 {
		return nil, fmt.Errorf("invalid PARTY_ID: %q must be 3 characters", partyID)
	}

	awaitTime, err := time.ParseDuration(getEnv("COMMAND_AWAIT_TIME", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid COMMAND_AWAIT_TIME: %v", err)
	}

	retention, err := time.ParseDuration(getEnv("COMMAND_RESULT_RETENTION", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid COMMAND_RESULT_RETENTION: %v", err)
	}

	maxPageSize, err := strconv.Atoi(getEnv("MAX_PAGE_SIZE", "100"))
	if err != nil || maxPageSize <= 0 {
		return nil, fmt.Errorf("invalid MAX_PAGE_SIZE: %q", getEnv("MAX_PAGE_SIZE", "100"))
	}

	rateLimit, err := strconv.ParseFloat(getEnv("OUTBOUND_RATE_LIMIT", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OUTBOUND_RATE_LIMIT: %v", err)
	}

	retryMax, err := strconv.Atoi(getEnv("CALLBACK_RETRY_MAX", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid CALLBACK_RETRY_MAX: %v", err)
	}

	driver := getEnv("STORAGE_DRIVER", "memory")
	if driver != "memory" && driver != "postgres" {
		return nil, fmt.Errorf("invalid STORAGE_DRIVER: %q", driver)
	}

	return &Config{
		// Server configuration
		APIPort:    apiPort,
		ServerPort: serverPort,
		OCPPPath:   getEnv("OCPP_PATH", "/ocpp"),
		PublicURL:  strings.TrimRight(getEnv("PUBLIC_URL", fmt.Sprintf("http://localhost:%d", apiPort)), "/"),

		// Party identity
		Role:            role,
		CountryCode:     countryCode,
		PartyID:         partyID,
		BusinessName:    getEnv("BUSINESS_NAME", "go-ocpi"),
		BusinessWebsite: getEnv("BUSINESS_WEBSITE", ""),

		// Protocol tuning
		CommandAwaitTime:       awaitTime,
		CommandResultRetention: retention,
		MaxPageSize:            maxPageSize,

		// Storage
		StorageDriver: driver,
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        dbPort,
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "ocpi"),
		DBSSLMode:     getEnv("DB_SSL_MODE", "disable"),

		// OCPP configuration
		HeartbeatInterval: heartbeatInterval,
		Currency:          strings.ToUpper(getEnv("CURRENCY", "EUR")),

		// Operator access
		AdminAPIKey:     getEnv("ADMIN_API_KEY", ""),
		BootstrapTokens: splitList(getEnv("BOOTSTRAP_TOKENS_A", "")),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),

		// Outbound calls
		OutboundRateLimit:      rateLimit,
		CallbackRetryMax:       retryMax,
		NotificationWebhookURL: getEnv("NOTIFICATION_WEBHOOK_URL", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// Party returns our own party key
func (c *Config) Party() ocpi.PartyKey {
	return ocpi.PartyKey{CountryCode: c.CountryCode, PartyID: c.PartyID}
}

// BaseURL is the root of our OCPI surface, e.g. https://host/ocpi/emsp
func (c *Config) BaseURL() string {
	return c.PublicURL + "/ocpi/" + strings.ToLower(string(c.Role))
}

// VersionsURL is the URL we hand out in our credentials
func (c *Config) VersionsURL() string {
	return c.BaseURL() + "/versions"
}

// SetupLogger configures the global logger
func (c *Config) SetupLogger() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Helper function to get environment variables with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
