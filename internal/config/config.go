// Package config provides configuration loading from environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the media-fetch service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	TempRoot   string // Root directory for per-job workdirs
	FFmpegPath string // ffmpeg binary used for audio postprocessing

	MaxConcurrent int           // Global cap on running fetch jobs
	AcquireWait   time.Duration // How long a submission waits for a free global slot
	LeaseTTL      time.Duration // Force-release window for stuck admission leases

	SuccessGrace time.Duration // Workdir retention after a successful job
	FailureGrace time.Duration // Workdir retention after a failed job

	StreamIdleTimeout time.Duration // Silence tolerated on a progress stream before a keep-alive
	SubmitRate        float64       // Per-client submissions per second (0 = unlimited)
	TrustProxyHeader  bool          // Honor X-Forwarded-For for client identity (behind a proxy only)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            loadAPIKey(),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		TempRoot:          GetEnv("TEMP_ROOT", filepath.Join(os.TempDir(), "mediafetch")),
		FFmpegPath:        GetEnv("FFMPEG_PATH", "ffmpeg"),
		MaxConcurrent:     GetIntEnv("MAX_CONCURRENT_JOBS", 3),
		AcquireWait:       GetDurationEnv("ADMISSION_WAIT", 2*time.Second),
		LeaseTTL:          GetDurationEnv("LEASE_TTL", 2*time.Hour),
		SuccessGrace:      GetDurationEnv("SUCCESS_GRACE", 5*time.Minute),
		FailureGrace:      GetDurationEnv("FAILURE_GRACE", 30*time.Second),
		StreamIdleTimeout: GetDurationEnv("STREAM_IDLE_TIMEOUT", 60*time.Second),
		SubmitRate:        GetFloatEnv("SUBMIT_RATE", 0),
		TrustProxyHeader:  GetBoolEnv("TRUST_PROXY_HEADER", false),
	}
}

// loadAPIKey prefers a mounted secret file over a plain environment variable.
func loadAPIKey() string {
	if key := GetSecretFile(GetEnv("API_KEY_FILE", "")); key != "" {
		return key
	}
	return GetEnv("API_KEY", "")
}
