package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings       `mapstructure:"database"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Stream        StreamSettings   `mapstructure:"stream"`
	Consumer      ConsumerSettings `mapstructure:"consumer"`
	Worker        WorkerSettings   `mapstructure:"worker"`
	Observability Observability    `mapstructure:"observability"`
	MetricsAddr   string           `mapstructure:"metrics_addr"`
}

// DbSettings selects and configures the persistence backend.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner"`
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn"`
	// URI is the MongoDB connection string.
	URI string `mapstructure:"uri"`
	// Database names the Mongo database or the full Spanner database path.
	Database string `mapstructure:"database"`
}

// StreamSettings tune consumer-group delivery.
type StreamSettings struct {
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
}

// ConsumerSettings configure one consumer-group member.
type ConsumerSettings struct {
	Group        string        `mapstructure:"group" validate:"required"`
	Name         string        `mapstructure:"name"`
	Streams      []string      `mapstructure:"streams"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleDelay    time.Duration `mapstructure:"idle_delay"`
}

// WorkerSettings configure the mission worker.
type WorkerSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleDelay    time.Duration `mapstructure:"idle_delay"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("agentbus")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "agentbus."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGENTBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like AGENTBUS_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.database")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("stream.claim_timeout")
	viper.BindEnv("stream.max_deliveries")
	viper.BindEnv("consumer.group")
	viper.BindEnv("consumer.name")
	viper.BindEnv("worker.poll_interval")
	viper.BindEnv("worker.max_retries")
	viper.BindEnv("metrics_addr")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
