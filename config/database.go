package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"mailcanary"`
	Password string `env:"PASSWORD"                envDefault:"mailcanary"`
	Name     string `env:"NAME"                    envDefault:"mailcanary"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration for the progress store.
type RedisConfig struct {
	Addr     string `env:"ADDR"     envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}

// ProgressConfig contains job progress store configuration.
type ProgressConfig struct {
	// TTL bounds how long a progress snapshot survives without updates, so
	// crashed workers cannot leave stale progress behind forever.
	TTL time.Duration `env:"PROGRESS_TTL" envDefault:"30m"`

	// CancelTTL bounds how long a cooperative cancellation flag stays armed.
	CancelTTL time.Duration `env:"PROGRESS_CANCEL_TTL" envDefault:"1h"`
}

// Sanitize applies guardrails to progress store configuration values.
func (p *ProgressConfig) Sanitize() {
	if p.TTL < time.Minute {
		p.TTL = time.Minute
	}
	if p.CancelTTL < time.Minute {
		p.CancelTTL = time.Minute
	}
}
