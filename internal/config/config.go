package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	Auth        AuthConfig
	Worker      WorkerConfig
	Fulfillment FulfillmentConfig
	Providers   []ProviderConfig
	Notifier    NotifierConfig
	Security    SecurityConfig
	Tracing     TracingConfig
	Sync        SyncConfig
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout    time.Duration `mapstructure:"idleTimeout"`
	ShutdownPeriod time.Duration `mapstructure:"shutdownPeriod"`
	AllowOrigins   []string      `mapstructure:"allowOrigins"`
	MaxUploadBytes int64         `mapstructure:"maxUploadBytes"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	AutoMigrate     bool          `mapstructure:"autoMigrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
}

// WorkerConfig is handed to the worker pool as is; nothing in the pool reads global defaults.
type WorkerConfig struct {
	Concurrency   int            `mapstructure:"concurrency"`
	Queues        map[string]int `mapstructure:"queues"`
	MaxRetry      int            `mapstructure:"maxRetry"`
	BackoffBase   time.Duration  `mapstructure:"backoffBase"`
	BackoffMax    time.Duration  `mapstructure:"backoffMax"`
	RatePerSecond float64        `mapstructure:"ratePerSecond"`
	Burst         int            `mapstructure:"burst"`
	JobTimeout    time.Duration  `mapstructure:"jobTimeout"`
	SyncSchedule  string         `mapstructure:"syncSchedule"`
	ShutdownWait  time.Duration  `mapstructure:"shutdownWait"`
}

type FulfillmentConfig struct {
	ClaimAttempts       int           `mapstructure:"claimAttempts"`
	LockTTL             time.Duration `mapstructure:"lockTTL"`
	CompensationTimeout time.Duration `mapstructure:"compensationTimeout"`
	NotifyChannel       string        `mapstructure:"notifyChannel"`
	NotifyTemplate      string        `mapstructure:"notifyTemplate"`
}

// ProviderConfig describes one vendor. Order in the list is the fallback order.
type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	BaseURL       string        `mapstructure:"baseURL"`
	ClientID      string        `mapstructure:"clientID"`
	ClientSecret  string        `mapstructure:"clientSecret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"ratePerSecond"`
	Burst         int           `mapstructure:"burst"`
	Disabled      bool          `mapstructure:"disabled"`
}

type NotifierConfig struct {
	Kind    string        `mapstructure:"kind"`
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SecurityConfig struct {
	KeyEncryptionSecret string `mapstructure:"keyEncryptionSecret"`
	KeyEncryptionSalt   string `mapstructure:"keyEncryptionSalt"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"serviceName"`
}

type SyncConfig struct {
	Targets []SyncTarget `mapstructure:"targets"`
}

type SyncTarget struct {
	ProductID string `mapstructure:"productID" json:"product_id"`
	VariantID string `mapstructure:"variantID" json:"variant_id,omitempty"`
	SKU       string `mapstructure:"sku" json:"sku"`
	Target    int    `mapstructure:"target" json:"target"`
}

func LoadConfig(configPath string) (*Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading it, relying on environment variables and config file")
	}

	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			log.Printf("Warning: could not read config file: %s. Error: %v\n", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if floor := cfg.minLockTTL(); cfg.Fulfillment.LockTTL < floor {
		log.Printf("Warning: fulfillment.lockTTL %s is shorter than a job run plus compensation; raising it to %s\n", cfg.Fulfillment.LockTTL, floor)
		cfg.Fulfillment.LockTTL = floor
	}

	return &cfg, nil
}

// lockTTLMargin keeps the order lock alive past the last compensation step.
const lockTTLMargin = 10 * time.Second

// minLockTTL is the shortest order lock that outlives a timed-out task and its
// compensation. A shorter lock could let a retry of the same order start mid-saga.
func (c *Config) minLockTTL() time.Duration {
	compensation := c.Fulfillment.CompensationTimeout
	if compensation <= 0 {
		compensation = 30 * time.Second
	}
	return c.Worker.JobTimeout + compensation + lockTTLMargin
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", 5*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.idleTimeout", 120*time.Second)
	v.SetDefault("server.shutdownPeriod", 15*time.Second)
	v.SetDefault("server.allowOrigins", []string{"http://localhost:3000"})
	v.SetDefault("server.maxUploadBytes", 10<<20)

	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 25)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)
	v.SetDefault("database.autoMigrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("auth.issuer", "key-fulfillment-service")

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]int{"critical": 6, "default": 3, "low": 1})
	v.SetDefault("worker.maxRetry", 5)
	v.SetDefault("worker.backoffBase", 2*time.Second)
	v.SetDefault("worker.backoffMax", 5*time.Minute)
	v.SetDefault("worker.ratePerSecond", 5.0)
	v.SetDefault("worker.burst", 5)
	v.SetDefault("worker.jobTimeout", 2*time.Minute)
	v.SetDefault("worker.syncSchedule", "@every 1h")
	v.SetDefault("worker.shutdownWait", 10*time.Second)

	v.SetDefault("fulfillment.claimAttempts", 3)
	v.SetDefault("fulfillment.lockTTL", 3*time.Minute)
	v.SetDefault("fulfillment.compensationTimeout", 30*time.Second)
	v.SetDefault("fulfillment.notifyChannel", "email")
	v.SetDefault("fulfillment.notifyTemplate", "digital-keys-delivered")

	v.SetDefault("notifier.kind", "log")
	v.SetDefault("notifier.timeout", 10*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "key-fulfillment-service")
}
