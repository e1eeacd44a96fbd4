// Default configuration values, applied before the YAML file and the
// environment overlay (§ loader.go "Priority").
package config

import "time"

// DefaultConfig returns the configuration seed Loader starts from.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			Workers:         4,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    180 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    5,
			RateLimitBurst:  10,
		},
		KeyAllocator: KeyAllocatorConfig{
			Socket:      "/tmp/keyserver.sock",
			MetricsPort: 9090,
			DialTimeout: 5 * time.Second,
			CallTimeout: 30 * time.Second,
		},
		SessionStore: RedisConfig{
			Addr:                "localhost:6379",
			DB:                  0,
			PoolSize:            1000,
			MinIdleConns:        10,
			MaxRetries:          3,
			HealthCheckInterval: 30 * time.Second,
		},
		KeyStore: RedisConfig{
			Addr:                "localhost:6379",
			DB:                  1,
			PoolSize:            1000,
			MinIdleConns:        10,
			MaxRetries:          3,
			HealthCheckInterval: 30 * time.Second,
		},
		SecretStore: SecretStoreConfig{
			Backend:   "memory",
			MountPath: "secret",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "veilrelay-gateway",
			SampleRate:  0.1,
		},
	}
}
