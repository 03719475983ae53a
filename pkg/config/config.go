package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	Debug   bool
	Port    string

	// Logging
	LogLevel string
	LogJSON  bool

	// Authentication for operator routes. Empty disables auth.
	JWTSecret string

	// Power controller
	PowerController   string // pterodactyl, crafty or docker
	PterodactylURL    string
	PterodactylAPIKey string
	CraftyURL         string
	CraftyAPIKey      string
	DockerStopTimeout int // seconds
	HTTPTimeout       time.Duration

	// Managed servers
	ServersFile string

	// Lifecycle timing
	StartupReadyTimeout      time.Duration // 0 disables the ready wait
	PollInterval             time.Duration
	IdleGrace                time.Duration
	RestoreTimeout           time.Duration
	RestorePollInterval      time.Duration
	JoinDelay                time.Duration
	StatusCheckMethod        string // proxy or panel
	SynchronousPing          bool   // answer proxy logins only after the start decision
	RestoreFallbackPlainStop bool
	ProbeTimeout             time.Duration

	// Velocity proxy presence (optional)
	VelocityAPIURL       string // URL to Velocity Remote API (e.g., http://velocity:8080)
	VelocityPollInterval time.Duration

	// InfluxDB (Time-Series Event Storage)
	InfluxDBURL    string
	InfluxDBToken  string
	InfluxDBOrg    string
	InfluxDBBucket string
}

var AppConfig *Config

// Load loads configuration from environment
func Load() *Config {
	// Load .env file if exists
	_ = godotenv.Load()

	config := &Config{
		AppName:   getEnv("APP_NAME", "AutoPower"),
		Debug:     getEnvBool("DEBUG", false),
		Port:      getEnv("PORT", "8000"),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogJSON:   getEnvBool("LOG_JSON", false),
		JWTSecret: getEnv("JWT_SECRET", ""),

		PowerController:   strings.ToLower(getEnv("POWER_CONTROLLER", "pterodactyl")),
		PterodactylURL:    strings.TrimRight(getEnv("PTERODACTYL_URL", ""), "/"),
		PterodactylAPIKey: getEnv("PTERODACTYL_API_KEY", ""),
		CraftyURL:         strings.TrimRight(getEnv("CRAFTY_URL", ""), "/"),
		CraftyAPIKey:      getEnv("CRAFTY_API_KEY", ""),
		DockerStopTimeout: getEnvInt("DOCKER_STOP_TIMEOUT", 30),
		HTTPTimeout:       getEnvSeconds("HTTP_TIMEOUT", 10),

		ServersFile: getEnv("SERVERS_FILE", "./servers.yml"),

		StartupReadyTimeout:      getEnvSeconds("STARTUP_READY_TIMEOUT", 60),
		PollInterval:             getEnvSeconds("POLL_INTERVAL", 5),
		IdleGrace:                getEnvSeconds("IDLE_GRACE", 60),
		RestoreTimeout:           getEnvSeconds("RESTORE_TIMEOUT", 120),
		RestorePollInterval:      getEnvSeconds("RESTORE_POLL_INTERVAL", 5),
		JoinDelay:                getEnvSeconds("JOIN_DELAY", 5),
		StatusCheckMethod:        strings.ToLower(getEnv("STATUS_CHECK_METHOD", "proxy")),
		SynchronousPing:          getEnvBool("SYNCHRONOUS_PING", false),
		RestoreFallbackPlainStop: getEnvBool("RESTORE_FALLBACK_PLAIN_STOP", false),
		ProbeTimeout:             getEnvSeconds("PROBE_TIMEOUT", 3),

		VelocityAPIURL:       getEnv("VELOCITY_API_URL", ""),
		VelocityPollInterval: getEnvSeconds("VELOCITY_POLL_INTERVAL", 10),

		InfluxDBURL:    getEnv("INFLUXDB_URL", ""),
		InfluxDBToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxDBOrg:    getEnv("INFLUXDB_ORG", "autopower"),
		InfluxDBBucket: getEnv("INFLUXDB_BUCKET", "events"),
	}

	AppConfig = config
	return config
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Invalid boolean for %s, using default: %v", key, defaultValue)
			return defaultValue
		}
		return boolVal
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("Invalid integer for %s, using default: %d", key, defaultValue)
			return defaultValue
		}
		return intVal
	}
	return defaultValue
}

// getEnvSeconds reads a whole number of seconds. Negative values are
// treated as zero.
func getEnvSeconds(key string, defaultValue int) time.Duration {
	seconds := getEnvInt(key, defaultValue)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}
