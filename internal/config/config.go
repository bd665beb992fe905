package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type AppConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type KitchenConfig struct {
	// Timezone decides the calendar day ticket numbers restart on.
	Timezone string `yaml:"timezone"`
}

type RetryConfig struct {
	MaxAttempts     uint64        `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Config struct {
	App           AppConfig      `yaml:"app"`
	StorageDriver string         `yaml:"storage_driver"`
	Postgres      PostgresConfig `yaml:"postgres"`
	NATS          NATSConfig     `yaml:"nats"`
	Kitchen       KitchenConfig  `yaml:"kitchen"`
	Retry         RetryConfig    `yaml:"retry"`
}

func defaults() Config {
	return Config{
		App: AppConfig{
			Port:     "8080",
			Env:      "development",
			LogLevel: "info",
		},
		StorageDriver: DriverPostgres,
		Postgres: PostgresConfig{
			Port:            "5432",
			SSLMode:         "disable",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MigrationsPath:  "migrations",
		},
		Kitchen: KitchenConfig{Timezone: "UTC"},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at yamlPath, then the optional .env file at envPath, then the process
// environment. Later sources win. The process environment is not modified.
func Load(yamlPath, envPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: failed to read %s: %w", yamlPath, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: invalid config file %s: %w", yamlPath, err)
			}
		}
	}

	dotenv := map[string]string{}
	if envPath != "" {
		vars, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
		if vars != nil {
			dotenv = vars
		}
	}
	env := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}

	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(env func(string) string) error {
	setString(&c.App.Port, env("APP_PORT"))
	setString(&c.App.Env, env("APP_ENV"))
	setString(&c.App.LogLevel, env("LOG_LEVEL"))
	setString(&c.StorageDriver, env("STORAGE_DRIVER"))

	setString(&c.Postgres.Host, env("DB_HOST"))
	setString(&c.Postgres.Port, env("DB_PORT"))
	setString(&c.Postgres.User, env("DB_USER"))
	setString(&c.Postgres.Password, env("DB_PASSWORD"))
	setString(&c.Postgres.DBName, env("DB_NAME"))
	setString(&c.Postgres.SSLMode, env("DB_SSLMODE"))
	setString(&c.Postgres.MigrationsPath, env("DB_MIGRATIONS_PATH"))
	setString(&c.NATS.URL, env("NATS_URL"))
	setString(&c.Kitchen.Timezone, env("TICKET_TIMEZONE"))

	var errs []error
	errs = append(errs,
		setInt32(&c.Postgres.MaxConns, "DB_MAX_CONNS", env("DB_MAX_CONNS")),
		setInt32(&c.Postgres.MinConns, "DB_MIN_CONNS", env("DB_MIN_CONNS")),
		setDuration(&c.Postgres.MaxConnLifetime, "DB_MAX_CONN_LIFETIME", env("DB_MAX_CONN_LIFETIME")),
		setUint64(&c.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS", env("RETRY_MAX_ATTEMPTS")),
		setDuration(&c.Retry.InitialInterval, "RETRY_INITIAL_INTERVAL", env("RETRY_INITIAL_INTERVAL")),
		setDuration(&c.Retry.MaxInterval, "RETRY_MAX_INTERVAL", env("RETRY_MAX_INTERVAL")),
	)
	return errors.Join(errs...)
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Port == "" {
		errs = append(errs, errors.New("config: APP_PORT is required"))
	}

	switch c.StorageDriver {
	case DriverMemory:
	case DriverPostgres:
		required := map[string]string{
			"DB_HOST":     c.Postgres.Host,
			"DB_PORT":     c.Postgres.Port,
			"DB_USER":     c.Postgres.User,
			"DB_PASSWORD": c.Postgres.Password,
			"DB_NAME":     c.Postgres.DBName,
		}
		for _, key := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME"} {
			if required[key] == "" {
				errs = append(errs, fmt.Errorf("config: %s is required", key))
			}
		}
		if c.Postgres.MinConns > c.Postgres.MaxConns {
			errs = append(errs, fmt.Errorf("config: DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d", c.Postgres.MinConns, c.Postgres.MaxConns))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	if _, err := time.LoadLocation(c.Kitchen.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("config: invalid TICKET_TIMEZONE %q: %w", c.Kitchen.Timezone, err))
	}
	if c.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("config: RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// Location returns the time zone ticket days are counted in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Kitchen.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt32(dst *int32, key, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func setUint64(dst *uint64, key, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
