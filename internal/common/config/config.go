// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig      `mapstructure:"app"`
	Database  DatabaseConfig `mapstructure:"database"`
	Mail      MailConfig     `mapstructure:"mail"`
	Dispatch  DispatchConfig `mapstructure:"dispatch"`
	Worker    WorkerConfig   `mapstructure:"worker"`
	Templates TemplateConfig `mapstructure:"templates"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	Logging   LoggingConfig  `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// ElasticsearchConfig points at the optional audit mirror. Empty addresses disable it.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

func (e ElasticsearchConfig) Enabled() bool {
	return len(e.Addresses) > 0
}

// RedisConfig points at the optional template cache. Empty address disables it.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// MailConfig selects the delivery provider. An empty provider leaves the
// delivery channel unconfigured: rows are still enqueued but never sent.
type MailConfig struct {
	Provider  string `mapstructure:"provider"` // "ses", "smtp" or ""
	FromEmail string `mapstructure:"from_email"`

	SES struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"ses"`

	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		UseTLS   bool   `mapstructure:"use_tls"`
	} `mapstructure:"smtp"`
}

// DispatchConfig holds settings for the in-process dispatcher.
type DispatchConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Interval    int  `mapstructure:"interval"`     // milliseconds
	SendTimeout int  `mapstructure:"send_timeout"` // milliseconds
}

// WorkerConfig holds settings for the standalone email worker.
type WorkerConfig struct {
	Channel     string `mapstructure:"channel"`
	SafetyNet   int    `mapstructure:"safety_net"` // milliseconds
	PollBase    int    `mapstructure:"poll_base"`  // milliseconds
	PollMax     int    `mapstructure:"poll_max"`   // milliseconds
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// TemplateConfig holds template cache settings.
type TemplateConfig struct {
	CacheTTL int `mapstructure:"cache_ttl"` // milliseconds
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
