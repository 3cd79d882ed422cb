package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Local runtime names accepted in LocalRuntime.
const (
	RuntimeOllama   = "ollama"
	RuntimeLlavaCpp = "llavacpp"
)

// Config holds process settings. The inference credential is resolved per
// request and is never part of it.
type Config struct {
	Host               string        `yaml:"host"`
	Port               string        `yaml:"port"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
	UploadDir          string        `yaml:"upload_dir"`
	LogLevel           string        `yaml:"log_level"`

	// Remote inference endpoint
	InferenceURL     string        `yaml:"inference_url"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	RemoteModel      string        `yaml:"remote_model"`

	// Local inference
	LocalRuntime   string `yaml:"local_runtime"`
	LocalModel     string `yaml:"local_model"`
	Prompt         string `yaml:"prompt"`
	OllamaHost     string `yaml:"ollama_host"`
	LlavaBinary    string `yaml:"llava_binary"`
	LlavaModel     string `yaml:"llava_model"`
	LlavaProjector string `yaml:"llava_mmproj"`

	MaxLength int `yaml:"max_length"`

	// Image sources
	ImageFetchTimeout time.Duration `yaml:"image_fetch_timeout"`
	MaxImageSize      int64         `yaml:"max_image_size"`
	AzureAccountName  string        `yaml:"azure_account_name"`
	AzureAccountKey   string        `yaml:"azure_account_key"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               "5000",
		RequestTimeout:     150 * time.Second,
		MaxRequestBodySize: 20 * 1024 * 1024, // 20MB
		UploadDir:          "uploads",
		LogLevel:           "info",
		InferenceURL:       "https://api-inference.huggingface.co",
		InferenceTimeout:   120 * time.Second,
		RemoteModel:        "Salesforce/blip-image-captioning-base",
		LocalRuntime:       RuntimeOllama,
		LocalModel:         "llava",
		Prompt:             "Describe this image in one short sentence.",
		OllamaHost:         "http://127.0.0.1:11434",
		LlavaBinary:        "./llava-cli",
		LlavaModel:         "./llava.bin",
		LlavaProjector:     "./llava-proj.bin",
		MaxLength:          40,
		ImageFetchTimeout:  15 * time.Second,
		MaxImageSize:       10 * 1024 * 1024, // 10MB
	}
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the environment. A .env file in the
// working directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	base := Defaults()
	if path != "" {
		if err := loadFile(path, base); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Host:               getEnvOrDefault("HOST", base.Host),
		Port:               getEnvOrDefault("PORT", base.Port),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", base.RequestTimeout),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", base.MaxRequestBodySize),
		UploadDir:          getEnvOrDefault("UPLOAD_DIR", base.UploadDir),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", base.LogLevel),
		InferenceURL:       getEnvOrDefault("HF_INFERENCE_URL", base.InferenceURL),
		InferenceTimeout:   parseDurationOrDefault("HF_REQUEST_TIMEOUT", base.InferenceTimeout),
		RemoteModel:        getEnvOrDefault("CAPTION_MODEL", base.RemoteModel),
		LocalRuntime:       getEnvOrDefault("CAPTION_LOCAL_RUNTIME", base.LocalRuntime),
		LocalModel:         getEnvOrDefault("CAPTION_LOCAL_MODEL", base.LocalModel),
		Prompt:             getEnvOrDefault("CAPTION_PROMPT", base.Prompt),
		OllamaHost:         getEnvOrDefault("OLLAMA_HOST", base.OllamaHost),
		LlavaBinary:        getEnvOrDefault("LLAVA_BINARY", base.LlavaBinary),
		LlavaModel:         getEnvOrDefault("LLAVA_MODEL", base.LlavaModel),
		LlavaProjector:     getEnvOrDefault("LLAVA_MMPROJ", base.LlavaProjector),
		MaxLength:          int(parseIntOrDefault("CAPTION_MAX_LENGTH", int64(base.MaxLength))),
		ImageFetchTimeout:  parseDurationOrDefault("IMAGE_FETCH_TIMEOUT", base.ImageFetchTimeout),
		MaxImageSize:       parseIntOrDefault("MAX_IMAGE_SIZE", base.MaxImageSize),
		AzureAccountName:   getEnvOrDefault("AZURE_STORAGE_ACCOUNT", base.AzureAccountName),
		AzureAccountKey:    getEnvOrDefault("AZURE_STORAGE_KEY", base.AzureAccountKey),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations. Load calls it; callers that
// mutate a loaded Config (CLI flags) call it again.
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("MAX_IMAGE_SIZE must be > 0 (got %d)", c.MaxImageSize)
	}
	if c.RequestTimeout <= 0 || c.InferenceTimeout <= 0 || c.ImageFetchTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, inference=%s, fetch=%s)",
			c.RequestTimeout, c.InferenceTimeout, c.ImageFetchTimeout)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("CAPTION_MAX_LENGTH must be > 0 (got %d)", c.MaxLength)
	}
	switch c.LocalRuntime {
	case RuntimeOllama, RuntimeLlavaCpp:
	default:
		return fmt.Errorf("invalid CAPTION_LOCAL_RUNTIME: %q (want %q or %q)", c.LocalRuntime, RuntimeOllama, RuntimeLlavaCpp)
	}
	if u, err := url.Parse(c.InferenceURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid HF_INFERENCE_URL: %q", c.InferenceURL)
	}
	if strings.TrimSpace(c.UploadDir) == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}
	return nil
}

// loadFile overlays the YAML file onto cfg. Keys absent from the file keep
// their current values.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
