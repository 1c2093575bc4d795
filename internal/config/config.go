/**
 * Configuration for the form extraction worker
 *
 * Loads configuration from environment variables matching .env.forms
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds worker configuration
type Config struct {
	// Reference template and field table (fatal if unreadable)
	TemplateImagePath string
	FieldTablePath    string

	// Recognition routing file (policy, voting, weights); optional
	RoutingConfigPath string

	// Queue configuration
	RedisURL     string
	QueueName    string
	QueueBackend string // "redis" (list based) or "asynq"

	// PostgreSQL configuration; empty disables persistence
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	FieldConcurrency  int
	ProcessingTimeout int // milliseconds
	RecognizerTimeout int // milliseconds, 0 = unbounded

	// Page location
	QuadStrategy     string
	QuadMinAreaRatio float64

	// Checkbox ink-area recognizer
	CheckboxInkRatio float64

	// Tesseract configuration
	TesseractEnabled   bool
	TesseractLanguages []string
	TessdataPrefix     string

	// Remote vision recognizers, name -> base URL
	RemoteRecognizers map[string]string

	// Optional side channels
	DiagnosticsDir string
	OutputDir      string
	MetricsAddr    string

	LogLevel string
	NodeEnv  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	remotes, err := parseNamedURLs(getEnvOrDefault("REMOTE_RECOGNIZERS", ""))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		TemplateImagePath:  getEnvOrDefault("TEMPLATE_IMAGE_PATH", "Data_Templates/template_form.jpg"),
		FieldTablePath:     getEnvOrDefault("FIELD_TABLE_PATH", "Data_Templates/roi_template.json"),
		RoutingConfigPath:  getEnvOrDefault("ROUTING_CONFIG_PATH", ""),
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "forms:jobs"),
		QueueBackend:       getEnvOrDefault("QUEUE_BACKEND", "redis"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		FieldConcurrency:   getEnvAsIntOrDefault("FIELD_CONCURRENCY", 4),
		ProcessingTimeout:  getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		RecognizerTimeout:  getEnvAsIntOrDefault("RECOGNIZER_TIMEOUT", 30000),
		QuadStrategy:       getEnvOrDefault("QUAD_STRATEGY", "otsu"),
		QuadMinAreaRatio:   getEnvAsFloatOrDefault("QUAD_MIN_AREA_RATIO", 0.2),
		CheckboxInkRatio:   getEnvAsFloatOrDefault("CHECKBOX_INK_RATIO", 0.03),
		TesseractEnabled:   getEnvAsBoolOrDefault("TESSERACT_ENABLED", true),
		TesseractLanguages: splitList(getEnvOrDefault("TESSERACT_LANGUAGES", "vie,eng")),
		TessdataPrefix:     getEnvOrDefault("TESSDATA_PREFIX", ""),
		RemoteRecognizers:  remotes,
		DiagnosticsDir:     getEnvOrDefault("DIAGNOSTICS_DIR", ""),
		OutputDir:          getEnvOrDefault("OUTPUT_DIR", "Data_Output"),
		MetricsAddr:        getEnvOrDefault("METRICS_ADDR", ":9464"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		NodeEnv:            getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.TemplateImagePath == "" {
		return fmt.Errorf("TEMPLATE_IMAGE_PATH is required")
	}

	if c.FieldTablePath == "" {
		return fmt.Errorf("FIELD_TABLE_PATH is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.FieldConcurrency < 1 || c.FieldConcurrency > 64 {
		return fmt.Errorf("FIELD_CONCURRENCY must be between 1 and 64, got %d", c.FieldConcurrency)
	}

	if c.RecognizerTimeout < 0 {
		return fmt.Errorf("RECOGNIZER_TIMEOUT must not be negative, got %d", c.RecognizerTimeout)
	}

	switch c.QueueBackend {
	case "redis", "asynq":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	switch c.QuadStrategy {
	case "otsu", "otsu_bright", "adaptive", "canny":
	default:
		return fmt.Errorf("QUAD_STRATEGY must be one of otsu, otsu_bright, adaptive, canny, got %q", c.QuadStrategy)
	}

	if c.QuadMinAreaRatio < 0 || c.QuadMinAreaRatio >= 1 {
		return fmt.Errorf("QUAD_MIN_AREA_RATIO must be in [0,1), got %f", c.QuadMinAreaRatio)
	}

	if c.CheckboxInkRatio <= 0 || c.CheckboxInkRatio >= 1 {
		return fmt.Errorf("CHECKBOX_INK_RATIO must be in (0,1), got %f", c.CheckboxInkRatio)
	}

	return nil
}

// IsProduction reports whether logs should use the production encoder.
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
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

// parseNamedURLs parses "name=url,name=url".
func parseNamedURLs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		name, url, ok := strings.Cut(item, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		url = strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("REMOTE_RECOGNIZERS entry %q must be name=url", item)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("REMOTE_RECOGNIZERS lists %q twice", name)
		}
		out[name] = url
	}
	return out, nil
}
