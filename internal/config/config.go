package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Application
	Version     string
	Environment string
	NodeID      string
	Port        int
	LogLevel    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// NATS (for detection events and recording notifications)
	// Default: nats://localhost:4222 (works with Docker Compose setup)
	// Docker: Use nats://nats:4222 if running the node in Docker
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration // For graceful shutdown

	// Buffer Pool
	BufferPoolSize          int
	BufferAllocationRetries int

	// Pre-detection Buffering
	BufferStrategy string // none|external|segment|memory_packet|mmap_hybrid|auto
	BufferSeconds  int
	BufferMaxBytes int64
	PageSizeHint   int
	StoragePath    string

	// External Recorder (go2rtc-style window service)
	ExternalAPIPort int
	ExternalAPIURL  string

	// Stream Ingestion
	RTSPTimeout       time.Duration
	MaxStreams        int
	ReconnectInterval time.Duration

	// Detection via NATS request-reply
	DetectionEnabled       bool
	DetectionSubject       string
	DetectionTimeout       time.Duration
	DetectionFrameInterval int    // Send every Nth frame to the detector
	ModelsPath             string // Passed through to the detector, unused locally

	// Event Publishing
	DetectionsSubject string
	RecordingsSubject string

	// Recording Output
	RecordingOutputDir string
	RecordingMaxFiles  int // Max flushed windows to keep per stream

	// Health Supervision
	HealthEvalInterval time.Duration

	// Swagger Configuration
	SwaggerHost string
	SwaggerPort int

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		NodeID:      getEnv("NODE_ID", "nvr-1"),
		Port:        getEnvInt("PORT", 8000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Logdy (lightweight web log viewer)
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", true),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// NATS (configured for Docker Compose setup)
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),

		// Buffer Pool
		BufferPoolSize:          getEnvInt("BUFFER_POOL_SIZE", 32),
		BufferAllocationRetries: getEnvInt("BUFFER_ALLOCATION_RETRIES", 3),

		// Pre-detection Buffering
		BufferStrategy: getEnv("BUFFER_STRATEGY", "auto"),
		BufferSeconds:  getEnvInt("BUFFER_SECONDS", 10),
		BufferMaxBytes: getEnvInt64("BUFFER_MAX_BYTES", 32*1024*1024),
		PageSizeHint:   getEnvInt("PAGE_SIZE_HINT", 64*1024),
		StoragePath:    getEnv("STORAGE_PATH", "/var/lib/heron-nvr"),

		// External Recorder
		ExternalAPIPort: getEnvInt("EXTERNAL_API_PORT", 0),
		ExternalAPIURL:  getEnv("EXTERNAL_API_URL", "http://localhost:1984"),

		// Stream Ingestion
		RTSPTimeout:       getEnvDuration("RTSP_TIMEOUT", 10*time.Second),
		MaxStreams:        getEnvInt("MAX_STREAMS", 10),
		ReconnectInterval: getEnvDuration("RECONNECT_INTERVAL", 5*time.Second),

		// Detection
		DetectionEnabled:       getEnvBool("DETECTION_ENABLED", false),
		DetectionSubject:       getEnv("DETECTION_SUBJECT", "nvr.detect"),
		DetectionTimeout:       getEnvDuration("DETECTION_TIMEOUT", 5*time.Second),
		DetectionFrameInterval: getEnvInt("DETECTION_FRAME_INTERVAL", 10),
		ModelsPath:             getEnv("MODELS_PATH", ""),

		// Event Publishing
		DetectionsSubject: getEnv("DETECTIONS_SUBJECT", "nvr.detections"),
		RecordingsSubject: getEnv("RECORDINGS_SUBJECT", "nvr.recordings"),

		// Recording Output
		RecordingOutputDir: getEnv("RECORDING_OUTPUT_DIR", "/var/lib/heron-nvr/recordings"),
		RecordingMaxFiles:  getEnvInt("RECORDING_MAX_FILES", 50),

		// Health Supervision
		HealthEvalInterval: getEnvDuration("HEALTH_EVAL_INTERVAL", 30*time.Second),

		// Swagger Configuration
		SwaggerHost: getEnv("SWAGGER_HOST", "localhost"),
		SwaggerPort: getEnvInt("SWAGGER_PORT", 8000),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	// Check for Docker-specific environment indicators
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	// If running in Docker, use service name; otherwise use localhost
	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
