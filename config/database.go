package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"dispatchd"`
	Password string `env:"PASSWORD" envDefault:"dispatchd"`
	Name     string `env:"NAME"     envDefault:"dispatchd"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// MaxOpenConns bounds the pool; runners hold one connection per worker plus LISTEN connections.
	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"20"`
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration for the delivery lock.
type RedisConfig struct {
	// Enabled turns on the per-message delivery lock. Without Redis the job lease is the only guard.
	Enabled            bool          `env:"ENABLED"              envDefault:"false"`
	URI                string        `env:"URI"                  envDefault:"localhost:6379"`
	Password           string        `env:"PASSWORD"             envDefault:""`
	DB                 int           `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string      `env:"SENTINEL_NODES"`
	SentinelMasterName string        `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string        `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool          `env:"USE_SENTINEL"         envDefault:"false"`
	DialTimeout        time.Duration `env:"DIAL_TIMEOUT"         envDefault:"5s"`
}
