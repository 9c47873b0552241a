package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port              string
	MaxConcurrentRuns int
	OutputRetention   time.Duration

	// Workspace
	TempDir       string
	OutputDir     string
	BackgroundDir string

	// Speech service
	TTSAPIKeys               []string
	TTSBaseURL               string
	TTSModel                 string
	MaxSpeechChars           int
	MaxConcurrentTTSRequests int
	TTSRetryBackoff          time.Duration
	TTSKeyCooldown           time.Duration

	// Captions
	WordsPerCue      int
	CueWindowSeconds float64
	CaptionRateAware bool

	// Stage timeouts
	SynthesisTimeout   time.Duration
	CompositionTimeout time.Duration

	// Quality settings
	FFmpegBinary    string
	VideoFPS        int
	VideoCRF        int
	VideoPreset     string
	AudioBitrate    string
	AudioSampleRate int

	// Logging
	LogLevel  string
	LogFormat string

	// Job store; empty keeps jobs in memory
	DatabaseURL string

	// Optional S3-compatible publishing
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PublicURL       string

	// Optional Reddit credentials; empty means read-only
	RedditClientID     string
	RedditClientSecret string
	RedditUsername     string
	RedditPassword     string
	RedditUserAgent    string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		MaxConcurrentRuns: getEnvAsInt("MAX_CONCURRENT_RUNS", 2),
		OutputRetention:   getEnvAsDuration("OUTPUT_RETENTION", time.Hour),

		TempDir:       getEnv("TEMP_DIR", "./temp"),
		OutputDir:     getEnv("OUTPUT_DIR", "./output"),
		BackgroundDir: getEnv("BACKGROUND_DIR", "./assets/backgrounds"),

		TTSAPIKeys:               parseAPIKeys(getEnv("TTS_API_KEYS", "")),
		TTSBaseURL:               getEnv("TTS_BASE_URL", "https://api.openai.com/v1"),
		TTSModel:                 getEnv("TTS_MODEL", "tts-1"),
		MaxSpeechChars:           getEnvAsInt("MAX_SPEECH_CHARS", 4096),
		MaxConcurrentTTSRequests: getEnvAsInt("MAX_CONCURRENT_TTS_REQUESTS", 3),
		TTSRetryBackoff:          getEnvAsDuration("TTS_RETRY_BACKOFF", time.Second),
		TTSKeyCooldown:           getEnvAsDuration("TTS_KEY_COOLDOWN", time.Minute),

		WordsPerCue:      getEnvAsInt("WORDS_PER_CUE", 6),
		CueWindowSeconds: getEnvAsFloat("CUE_WINDOW_SECONDS", 3.0),
		CaptionRateAware: getEnvAsBool("CAPTION_RATE_AWARE", false),

		SynthesisTimeout:   getEnvAsDuration("SYNTHESIS_TIMEOUT", 5*time.Minute),
		CompositionTimeout: getEnvAsDuration("COMPOSITION_TIMEOUT", 15*time.Minute),

		FFmpegBinary:    getEnv("FFMPEG_BIN", "ffmpeg"),
		VideoFPS:        getEnvAsInt("VIDEO_FPS", 30),
		VideoCRF:        getEnvAsInt("VIDEO_CRF", 23),
		VideoPreset:     getEnv("VIDEO_PRESET", "medium"),
		AudioBitrate:    getEnv("AUDIO_BITRATE", "192k"),
		AudioSampleRate: getEnvAsInt("AUDIO_SAMPLE_RATE", 44100),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PublicURL:       getEnv("S3_PUBLIC_URL", ""),

		RedditClientID:     getEnv("REDDIT_CLIENT_ID", ""),
		RedditClientSecret: getEnv("REDDIT_CLIENT_SECRET", ""),
		RedditUsername:     getEnv("REDDIT_USERNAME", ""),
		RedditPassword:     getEnv("REDDIT_PASSWORD", ""),
		RedditUserAgent:    getEnv("REDDIT_USER_AGENT", "storyreel/1.0"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if len(c.TTSAPIKeys) == 0 {
		return errors.New("TTS_API_KEYS is required")
	}
	if c.MaxSpeechChars <= 0 {
		return errors.New("MAX_SPEECH_CHARS must be positive")
	}
	if c.WordsPerCue <= 0 {
		return errors.New("WORDS_PER_CUE must be positive")
	}
	if c.CueWindowSeconds <= 0 {
		return errors.New("CUE_WINDOW_SECONDS must be positive")
	}
	if c.MaxConcurrentRuns <= 0 {
		return errors.New("MAX_CONCURRENT_RUNS must be positive")
	}
	if c.MaxConcurrentTTSRequests <= 0 {
		return errors.New("MAX_CONCURRENT_TTS_REQUESTS must be positive")
	}
	if c.TempDir == c.OutputDir {
		return errors.New("TEMP_DIR and OUTPUT_DIR must differ")
	}
	return nil
}

// S3Enabled reports whether finished videos are published to a bucket
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKeyID != "" && c.S3SecretAccessKey != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
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

func getEnvAsBool(key string, defaultValue bool) bool {
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

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func parseAPIKeys(keysStr string) []string {
	if keysStr == "" {
		return []string{}
	}
	keys := strings.Split(keysStr, ",")
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %s, TTS Keys: %d, MaxSpeechChars: %d, Runs: %d, DB: %t, S3: %t}",
		c.Port, len(c.TTSAPIKeys), c.MaxSpeechChars, c.MaxConcurrentRuns, c.DatabaseURL != "", c.S3Enabled())
}
