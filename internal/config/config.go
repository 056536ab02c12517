// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"easypaybackend/internal/logger"
)

// Variables available everywhere
var (
	stripeSecretKey     string
	stripeWebhookSecret string
	baseURL             string
	portalHomeURL       string
	databasePath        string

	TelegramBotToken           string
	TelegramAdminChat          string
	OpenAIAPIKey               string
	UseMockWebhookVerification bool
)

const defaultPortalHome = "https://www.ezpassnj.com/en/home/index.shtml"

//
// --- Utility Helpers ---
//

// Helper: get a setting based on ENVIRONMENT (dev or prod)
func GetEnvBasedSetting(base string) string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	return os.Getenv(fmt.Sprintf("%s_%s", base, strings.ToUpper(env)))
}

// Helper: log which environment is running
func LogCurrentEnvironment() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	if env == "dev" {
		logger.LogInfo("Running in development environment")
	} else {
		logger.LogInfo("Running in production environment")
	}
}

//
// --- Loaders ---
//

// LoadEnv reads .env file
func LoadEnv() {
	wd, err := os.Getwd()
	if err != nil {
		log.Printf("Could not determine working directory: %v", err)
	}

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file found in %s. Using system environment variables.", wd)
	} else {
		log.Printf("Loaded environment variables from .env file in %s", wd)
	}

	UseMockWebhookVerification = os.Getenv("USE_MOCK_WEBHOOK") == "true"
	if UseMockWebhookVerification {
		log.Printf("Mock webhook verification enabled. Skipping real signature checks.")
	}
}

// LoggerConfig returns a logger.Config struct populated from environment
func LoggerConfig() logger.Config {
	logDir := GetEnvBasedSetting("LOGS_DIRECTORY")
	if logDir == "" {
		logDir = "./logs"
	}

	logFormat := os.Getenv("LOG_FILE_FORMAT")
	if logFormat == "" {
		logFormat = "server_%s.log"
	}

	timezone := os.Getenv("TIME_ZONE")
	if timezone == "" {
		timezone = "America/New_York"
	}

	return logger.Config{
		LogsDirectory: logDir,
		LogFileFormat: logFormat,
		TimeZone:      timezone,
	}
}

// LoadStripeConfig reads the payment processor credentials. The secret key is
// mandatory; the webhook secret only when mock verification is off.
func LoadStripeConfig() error {
	stripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	if stripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is missing")
	}

	stripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" && !UseMockWebhookVerification {
		logger.LogWarn("STRIPE_WEBHOOK_SECRET is not set; webhook verification will fail")
	}

	return nil
}

// LoadTelegramConfig reads the confirmation-event credentials. Both values are
// optional; without them completions are logged but not pushed anywhere.
func LoadTelegramConfig() {
	TelegramBotToken = os.Getenv("TG_BOT_TOKEN")
	TelegramAdminChat = os.Getenv("ADMIN_GROUP_ID")
	if TelegramBotToken == "" || TelegramAdminChat == "" {
		logger.LogWarn("Telegram confirmation events disabled (TG_BOT_TOKEN/ADMIN_GROUP_ID not set)")
	}
}

// LoadOpenAIConfig reads the vision-model credentials. Optional; without a
// key, notice photos fall back to plain text heuristics.
func LoadOpenAIConfig() {
	OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if OpenAIAPIKey == "" {
		logger.LogWarn("Vision extraction disabled (OPENAI_API_KEY not set)")
	}
}

// ConfigurePaths resolves the portal URL, public base URL and database path.
func ConfigurePaths() {
	baseURL = GetEnvBasedSetting("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
		logger.LogWarn("BASE_URL not set, using default: %s", baseURL)
	}

	portalHomeURL = os.Getenv("PORTAL_HOME_URL")
	if portalHomeURL == "" {
		portalHomeURL = defaultPortalHome
	}

	databasePath = GetEnvBasedSetting("DATABASE_PATH")
	if databasePath == "" {
		databasePath = "./data/easypay.db"
	}
}

// LookupTimeout is the overall budget for one portal acquisition.
func LookupTimeout() time.Duration {
	if secs, err := strconv.Atoi(os.Getenv("LOOKUP_TIMEOUT_SECONDS")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}

//
// --- Getters (exported) ---
//

func StripeSecretKey() string {
	return stripeSecretKey
}

func StripeWebhookSecret() string {
	return stripeWebhookSecret
}

func BaseURL() string {
	return baseURL
}

func PortalHomeURL() string {
	return portalHomeURL
}

func DatabasePath() string {
	return databasePath
}
