// Package config
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	GithubToken    string
	ClassifyAPIKey string

	GithubAPIURL   string
	ClassifyAPIURL string
	ClassifyModel  string
	CourseSiteURL  string

	MaxWorkers   int
	ProjectLimit int

	FetchTimeout    time.Duration
	ClassifyTimeout time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64

	GithubRPS     float64
	GithubBurst   int
	ClassifyRPS   float64
	ClassifyBurst int

	MaxFilesPerRepo   int
	FetchFileChars    int
	ContextFileChars  int
	ContextTotalChars int

	DataDir string

	LogFile  string
	LogLevel string

	MetricsAddr string
}

func Load() (Config, error) {
	cfg := Config{}
	var missingVars []string

	cfg.GithubToken = getEnv("MY_GITHUB_TOKEN", "")
	cfg.ClassifyAPIKey = getEnv("OPENROUTER_API_KEY", "")

	if cfg.GithubToken == "" {
		missingVars = append(missingVars, "MY_GITHUB_TOKEN")
	}
	if cfg.ClassifyAPIKey == "" {
		missingVars = append(missingVars, "OPENROUTER_API_KEY")
	}
	if len(missingVars) > 0 {
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join(missingVars, ", "))
	}

	cfg.GithubAPIURL = getEnv("GITHUB_API_URL", "https://api.github.com")
	cfg.ClassifyAPIURL = getEnv("CLASSIFY_API_URL", "https://openrouter.ai/api/v1/chat/completions")
	cfg.ClassifyModel = getEnv("CLASSIFY_MODEL", "openai/gpt-4o-mini")
	cfg.CourseSiteURL = getEnv("COURSE_SITE_URL", "https://courses.datatalks.club")

	var err error
	cfg.MaxWorkers, err = strconv.Atoi(getEnv("MAX_WORKERS", "5"))
	if err != nil {
		slog.Warn("Invalid MAX_WORKERS", "value", getEnv("MAX_WORKERS", "5"), "error", err)
		cfg.MaxWorkers = 5
	}
	cfg.ProjectLimit, _ = strconv.Atoi(getEnv("PROJECT_LIMIT", "0"))

	cfg.FetchTimeout, _ = time.ParseDuration(getEnv("FETCH_TIMEOUT", "15s"))
	cfg.ClassifyTimeout, _ = time.ParseDuration(getEnv("CLASSIFY_TIMEOUT", "60s"))

	cfg.MaxRetries, _ = strconv.Atoi(getEnv("MAX_RETRIES", "3"))
	cfg.RetryBaseDelay, _ = time.ParseDuration(getEnv("RETRY_BASE_DELAY", "500ms"))
	cfg.RetryMaxDelay, _ = time.ParseDuration(getEnv("RETRY_MAX_DELAY", "8s"))
	cfg.RetryJitter, _ = strconv.ParseFloat(getEnv("RETRY_JITTER", "0.3"), 64)

	// GitHub allows 5000 requests/hour with a token; stay well under it.
	cfg.GithubRPS, _ = strconv.ParseFloat(getEnv("GITHUB_RPS", "1.2"), 64)
	cfg.GithubBurst, _ = strconv.Atoi(getEnv("GITHUB_BURST", "5"))
	cfg.ClassifyRPS, _ = strconv.ParseFloat(getEnv("CLASSIFY_RPS", "1"), 64)
	cfg.ClassifyBurst, _ = strconv.Atoi(getEnv("CLASSIFY_BURST", "2"))

	cfg.MaxFilesPerRepo, _ = strconv.Atoi(getEnv("MAX_FILES_PER_REPO", "10"))
	cfg.FetchFileChars, _ = strconv.Atoi(getEnv("FETCH_FILE_CHARS", "8000"))
	cfg.ContextFileChars, _ = strconv.Atoi(getEnv("CONTEXT_FILE_CHARS", "4000"))
	cfg.ContextTotalChars, _ = strconv.Atoi(getEnv("CONTEXT_TOTAL_CHARS", "15000"))

	cfg.DataDir = getEnv("DATA_DIR", "Data")

	cfg.LogFile = getEnv("LOG_FILE", "logs/cataloger.log")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "0.0.0.0:9093")

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}
