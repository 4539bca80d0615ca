package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the process configuration read from the environment
type Config struct {
	RaceFile   string
	ListenAddr string
	LogLevel   string
	LogFormat  string
	OutputDir  string
	NATSURL    string
	RedisAddr  string
	DBConnStr  string
}

// Load loads the configuration from environment variables and .env file
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	raceFile := os.Getenv("REGATTA_CONFIG")
	if raceFile == "" {
		raceFile = "regatta.yaml"
	}

	outputDir := os.Getenv("OUTPUT_DIR")
	if outputDir == "" {
		outputDir = "./logs" // Default output directory
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	logFormat := os.Getenv("LOG_FORMAT")
	switch logFormat {
	case "":
		logFormat = "json"
	case "json", "console":
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be json or console, got %q", logFormat)
	}

	// Sinks are optional, an empty value disables them
	return &Config{
		RaceFile:   raceFile,
		ListenAddr: os.Getenv("LISTEN_ADDR"),
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		OutputDir:  outputDir,
		NATSURL:    os.Getenv("NATS_URL"),
		RedisAddr:  os.Getenv("REDIS_ADDR"),
		DBConnStr:  os.Getenv("DB_CONN_STR"),
	}, nil
}
