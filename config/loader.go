// Configuration loading for the gateway.
//
// Priority: defaults -> YAML file -> environment variables, matching the
// env vars named in spec.md §6 (KEY_SERVER_SOCKET, WEB_SERVER_REDIS_URL,
// etc.) by giving each struct field an `env` tag naming its flat env var so
// it can be addressed both as a nested YAML key and a flat env var.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for both the gateway and the key
// allocator binaries; each binary reads only the sections it needs.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	KeyAllocator KeyAllocatorConfig `yaml:"key_allocator"`
	SessionStore RedisConfig        `yaml:"session_store" env:"WEB_SERVER_REDIS_URL"`
	KeyStore     RedisConfig        `yaml:"key_store" env:"KEY_SERVER_REDIS_URL"`
	SecretStore  SecretStoreConfig  `yaml:"secret_store"`
	JWT          JWTConfig          `yaml:"jwt"`
	CORS         CORSConfig         `yaml:"cors"`
	Log          LogConfig          `yaml:"log"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig configures the gateway's HTTP surface.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"WEB_SERVER_PORT"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// RateLimitRPS/RateLimitBurst bound the per-user token bucket applied to
	// the Direct and Web APIs (§5's concurrency/resource model).
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// KeyAllocatorConfig configures both sides of the KA<->SM channel (§6).
type KeyAllocatorConfig struct {
	Socket             string        `yaml:"socket" env:"KEY_SERVER_SOCKET"`
	KeyConfigFile      string        `yaml:"key_config_file" env:"KEY_CONFIG_FILE"`
	ProviderConfigFile string        `yaml:"provider_config_file" env:"PROVIDER_CONFIG_FILE"`
	MetricsPort        int           `yaml:"metrics_port" env:"KEY_SERVER_METRICS_PORT"`
	DialTimeout        time.Duration `yaml:"dial_timeout" env:"KEY_SERVER_DIAL_TIMEOUT"`
	CallTimeout        time.Duration `yaml:"call_timeout" env:"KEY_SERVER_CALL_TIMEOUT"`
}

// RedisConfig configures one of the two logical Redis stores (§3).
type RedisConfig struct {
	Addr                string        `yaml:"addr"`
	Password            string        `yaml:"password"`
	DB                  int           `yaml:"db"`
	PoolSize            int           `yaml:"pool_size"`
	MinIdleConns        int           `yaml:"min_idle_conns"`
	MaxRetries          int           `yaml:"max_retries"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// SecretStoreConfig selects and configures the secret-store backend (§3).
type SecretStoreConfig struct {
	Backend    string `yaml:"backend" env:"SECRET_STORE_BACKEND"` // "vault" or "memory"
	VaultAddr  string `yaml:"vault_addr" env:"VAULT_ADDR"`
	VaultToken string `yaml:"vault_token" env:"VAULT_TOKEN"`
	MountPath  string `yaml:"mount_path" env:"VAULT_MOUNT_PATH"`
	FilePath   string `yaml:"file_path" env:"SECRET_STORE_FILE"`
}

// JWTConfig configures Direct API Bearer JWT verification (§6).
type JWTConfig struct {
	Secret string `yaml:"secret" env:"WEB_SERVER_JWT_SECRET"`
}

// CORSConfig configures the CORS middleware (out of scope beyond origins,
// per spec.md §1's Non-goals — origins are still operator configuration).
type CORSConfig struct {
	Origins []string `yaml:"origins" env:"CORS_ORIGINS"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string `yaml:"level" env:"LOG_LEVEL"`
	Format           string `yaml:"format" env:"LOG_FORMAT"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStacktrace bool   `yaml:"enable_stacktrace"`
}

// TelemetryConfig configures the OTel tracer provider.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"OTEL_SAMPLE_RATE"`
}

// Loader loads a Config from a YAML file overlaid with environment
// variables, modeled on the teacher's builder-style config.Loader.
type Loader struct {
	configPath string
	validators []func(*Config) error
}

// NewLoader creates a configuration loader seeded with DefaultConfig.
func NewLoader() *Loader {
	return &Loader{validators: []func(*Config) error{(*Config).Validate}}
}

// WithConfigPath sets the YAML file to load before the environment overlay.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithValidator appends an additional validation pass.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load returns a fully resolved Config: defaults, then YAML file (if any),
// then environment variable overrides, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := loadFromFile(l.configPath, cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv walks cfg by reflection and applies any `env` tag whose
// variable is set, recursing into nested structs without an env tag of
// their own (RedisConfig, for example, is addressed as a whole via its
// parent field's tag, matching the *_REDIS_URL env vars of spec.md §6).
func loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem())
}

func setFieldsFromEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envKey := fieldType.Tag.Get("env")
		if envKey == "" {
			if field.Kind() == reflect.Struct {
				if err := setFieldsFromEnv(field); err != nil {
					return err
				}
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() == reflect.TypeOf(RedisConfig{}) {
			field.FieldByName("Addr").SetString(envValue)
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(n)
		}
	case reflect.Float64, reflect.Float32:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads config from path, panicking on failure. Used by cmd/ main
// functions where a broken config is a startup-abort condition.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks invariants DefaultConfig alone cannot guarantee once the
// environment overlay has run, in particular the JWT secret (§9 open
// question: the development secret must never reach production silently).
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid server.http_port")
	}
	if c.JWT.Secret == "" {
		errs = append(errs, "jwt.secret (WEB_SERVER_JWT_SECRET) must be set")
	}
	if c.SecretStore.Backend == "vault" && (c.SecretStore.VaultAddr == "" || c.SecretStore.VaultToken == "") {
		errs = append(errs, "secret_store.backend=vault requires vault_addr and vault_token")
	}
	if c.SessionStore.Addr == "" {
		errs = append(errs, "session_store.addr (WEB_SERVER_REDIS_URL) must be set")
	}
	if c.KeyStore.Addr == "" {
		errs = append(errs, "key_store.addr (KEY_SERVER_REDIS_URL) must be set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
