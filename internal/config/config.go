// Package config loads the server configuration from the environment and
// optional .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/randy-rebucas/lingkod-ph-sub005/policy"
	"github.com/randy-rebucas/lingkod-ph-sub005/store"
)

// ErrInvalid is returned when a variable is set to a value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port string `validate:"required,numeric"`
	Env  string
}

// Production reports whether Env names a production-like deployment.
func (s ServerConfig) Production() bool {
	switch strings.ToLower(s.Env) {
	case "production", "staging":
		return true
	default:
		return false
	}
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int `validate:"gte=0"`
	Prefix   string
}

type RateLimitConfig struct {
	SweepInterval  time.Duration `validate:"gte=0"`
	BackendTimeout time.Duration `validate:"gte=0"`
	Overrides      map[string]policy.Override
}

// Policy returns the registry configuration described by c.
func (c Config) Policy() policy.Config {
	return policy.Config{
		Backend: store.BackendConfig{
			RedisURL:   c.Redis.URL,
			Production: c.Server.Production(),
			Redis: store.RedisConfig{
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
				Prefix:   c.Redis.Prefix,
			},
		},
		SweepInterval:  c.RateLimit.SweepInterval,
		BackendTimeout: c.RateLimit.BackendTimeout,
		Overrides:      c.RateLimit.Overrides,
	}
}

// Load reads the configuration. Variables set in the environment take
// precedence over the given .env files; with no files, ".env" is read if present.
func Load(files ...string) (Config, error) {
	env, err := readDotenv(files)
	if err != nil {
		return Config{}, err
	}

	db, err := env.intValue("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	sweep, err := env.durationValue("RATE_LIMIT_SWEEP_INTERVAL", 0)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.durationValue("RATE_LIMIT_BACKEND_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	overrides, err := buildOverrides(env)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port: env.get("SERVER_PORT", "8080"),
			Env:  env.get("APP_ENV", "development"),
		},
		Redis: RedisConfig{
			URL:      env.get("REDIS_URL", ""),
			Password: env.get("REDIS_PASSWORD", ""),
			DB:       db,
			Prefix:   env.get("REDIS_PREFIX", ""),
		},
		RateLimit: RateLimitConfig{
			SweepInterval:  sweep,
			BackendTimeout: timeout,
			Overrides:      overrides,
		},
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// buildOverrides reads RATE_LIMIT_<POLICY>_MAX and RATE_LIMIT_<POLICY>_WINDOW
// for every policy, e.g. RATE_LIMIT_BOOKING_CREATION_MAX.
func buildOverrides(env source) (map[string]policy.Override, error) {
	overrides := make(map[string]policy.Override)

	for _, p := range policy.Defaults() {
		prefix := "RATE_LIMIT_" + envName(p.Name)

		var o policy.Override
		var set bool

		if raw := env.get(prefix+"_MAX", ""); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s_MAX: %w", ErrInvalid, prefix, err)
			}
			o.MaxRequests = &n
			set = true
		}

		window, err := env.durationValue(prefix+"_WINDOW", 0)
		if err != nil {
			return nil, err
		}
		if window != 0 {
			o.Window = window
			set = true
		}

		if set {
			overrides[p.Name] = o
		}
	}

	return overrides, nil
}

// envName converts a policy name such as "bookingCreation" to "BOOKING_CREATION".
func envName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) && i > 0 {
			sb.WriteByte('_')
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	return sb.String()
}

// source resolves variables from the process environment, then .env values.
type source map[string]string

func readDotenv(files []string) (source, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return source{}, nil
		}
		files = []string{".env"}
	}

	values, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return source(values), nil
}

func (s source) get(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	if value := strings.TrimSpace(s[key]); value != "" {
		return value
	}
	return fallback
}

func (s source) intValue(key string, fallback int) (int, error) {
	raw := s.get(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	return n, nil
}

func (s source) durationValue(key string, fallback time.Duration) (time.Duration, error) {
	raw := s.get(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, key, err)
	}
	return d, nil
}
