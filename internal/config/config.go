// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Archive backends.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	XMPP          XMPPConfig          `mapstructure:"xmpp"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Throttle      ThrottleConfig      `mapstructure:"throttle"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Commands      CommandsConfig      `mapstructure:"commands"`
	Boards        []watch.Board       `mapstructure:"boards"`
	Store         StoreConfig         `mapstructure:"store"`
	DB            DBConfig            `mapstructure:"db"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// XMPPConfig describes the component connection and its identities.
type XMPPConfig struct {
	Addr             string   `mapstructure:"addr"`
	Domain           string   `mapstructure:"domain"`
	Secret           string   `mapstructure:"secret"`
	MainUsername     string   `mapstructure:"main_username"`
	Resource         string   `mapstructure:"resource"`
	AdminJID         string   `mapstructure:"admin_jid"`
	ErrorReportJID   string   `mapstructure:"error_report_jid"`
	OnlyAdmin        bool     `mapstructure:"only_admin"`
	LogStanzas       bool     `mapstructure:"log_stanzas"`
	Blacklist        []string `mapstructure:"blacklist"`
	Whitelist        []string `mapstructure:"whitelist"`
	ReconnectSeconds int      `mapstructure:"reconnect_seconds"`
}

// MainJID is the bare identity users send commands to.
func (c XMPPConfig) MainJID() string {
	return c.MainUsername + "@" + c.Domain
}

// WorkerConfig controls the parse worker process.
type WorkerConfig struct {
	// Command overrides the worker argv; empty runs this binary's
	// parse-worker subcommand.
	Command []string `mapstructure:"command"`
	// Env is appended to the worker's inherited environment.
	Env                   []string `mapstructure:"env"`
	TaskTimeoutSeconds    int      `mapstructure:"task_timeout_seconds"`
	RestartBackoffSeconds int      `mapstructure:"restart_backoff_seconds"`
}

// SchedulerConfig controls the update cycle.
type SchedulerConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"`
	MaxInFlight       int `mapstructure:"max_in_flight"`
	DeferDelaySeconds int `mapstructure:"defer_delay_seconds"`
}

// ThrottleConfig sets the per-host slot spacing.
type ThrottleConfig struct {
	IntervalMillis int `mapstructure:"interval_ms"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// SubscriptionsConfig bounds per-user state.
type SubscriptionsConfig struct {
	MaxPerUser int `mapstructure:"max_per_user"`
}

// CommandsConfig bounds incoming commands.
type CommandsConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

// StoreConfig selects the subscription store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	MigrateOnStart         bool   `mapstructure:"migrate_on_start"`
}

// ArchiveConfig sets where fetched pages are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for update event publishing. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the operator HTTP server. An empty address disables it.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHANWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("xmpp.addr", "127.0.0.1:5347")
	v.SetDefault("xmpp.domain", "")
	v.SetDefault("xmpp.secret", "")
	v.SetDefault("xmpp.main_username", "main")
	v.SetDefault("xmpp.resource", "chanwatch")
	v.SetDefault("xmpp.admin_jid", "")
	v.SetDefault("xmpp.error_report_jid", "")
	v.SetDefault("xmpp.only_admin", false)
	v.SetDefault("xmpp.log_stanzas", false)
	v.SetDefault("xmpp.reconnect_seconds", 5)
	v.SetDefault("worker.task_timeout_seconds", 120)
	v.SetDefault("worker.restart_backoff_seconds", 1)
	v.SetDefault("scheduler.interval_seconds", 120)
	v.SetDefault("scheduler.max_in_flight", 50)
	v.SetDefault("scheduler.defer_delay_seconds", 1)
	v.SetDefault("throttle.interval_ms", 1000)
	v.SetDefault("http.timeout_seconds", 5)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("subscriptions.max_per_user", 20)
	v.SetDefault("commands.max_length", 500)
	v.SetDefault("boards", []map[string]any{{"host": "nowere.net", "parser": "wakaba"}})
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "chanwatch-updates")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.XMPP.Domain == "" {
		return fmt.Errorf("xmpp.domain is required")
	}
	if c.XMPP.Secret == "" {
		return fmt.Errorf("xmpp.secret is required")
	}
	if c.XMPP.MainUsername == "" {
		return fmt.Errorf("xmpp.main_username is required")
	}
	if c.XMPP.OnlyAdmin && c.XMPP.AdminJID == "" {
		return fmt.Errorf("xmpp.admin_jid must be set when only_admin is enabled")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	if c.Scheduler.MaxInFlight <= 0 {
		return fmt.Errorf("scheduler.max_in_flight must be > 0")
	}
	if c.Throttle.IntervalMillis <= 0 {
		return fmt.Errorf("throttle.interval_ms must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Subscriptions.MaxPerUser <= 0 {
		return fmt.Errorf("subscriptions.max_per_user must be > 0")
	}
	if c.Commands.MaxLength <= 0 {
		return fmt.Errorf("commands.max_length must be > 0")
	}
	if len(c.Boards) == 0 {
		return fmt.Errorf("at least one board is required")
	}
	for i, b := range c.Boards {
		if b.Host == "" || b.ParserKind == "" {
			return fmt.Errorf("boards[%d]: host and parser are required", i)
		}
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		return fmt.Errorf("pubsub.topic is required when pubsub.project_id is set")
	}
	return nil
}

// PollInterval is the delay between update cycles.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// ThrottleInterval is the minimum spacing between slots for one host and level.
func (c Config) ThrottleInterval() time.Duration {
	return time.Duration(c.Throttle.IntervalMillis) * time.Millisecond
}

// FetchTimeout bounds a single HEAD or GET.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
