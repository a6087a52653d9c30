package config

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/chaserhq/chaser/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string      `toml:"host"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
	QueryTimeout    string      `toml:"query_timeout"`      // Timeout for individual database queries (e.g., "30s")
	Debug           bool        `toml:"debug"`              // Enable SQL query logging
}

// GetQueryTimeout parses the query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMaxConnLifetime parses the max connection lifetime duration
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// URL builds the postgres connection string for the pool and for migrations.
func (d *DatabaseConfig) URL() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, host, PortString(d.Port, "5432"), d.Name, sslMode)
}

// SchedulerConfig controls the tick loop shared by all mailbox engines.
type SchedulerConfig struct {
	PollInterval      string  `toml:"poll_interval"`      // How often each mailbox is polled (default: "30m")
	TickTimeout       string  `toml:"tick_timeout"`       // Upper bound for a single tick (default: "2m")
	LookbackWindow    string  `toml:"lookback_window"`    // How far back fallback subject/sender correlation reaches (default: "30d")
	MaxPollBackoff    string  `toml:"max_poll_backoff"`   // Cap for the failure backoff applied to the poll interval (default: "2h")
	BackoffMultiplier float64 `toml:"backoff_multiplier"` // Poll interval growth factor per consecutive failure (default: 2.0)
	CommandQueueSize  int     `toml:"command_queue_size"` // Buffered user-edit commands per mailbox (default: 64)
	FetchBatchSize    int     `toml:"fetch_batch_size"`   // Max inbound messages fetched per tick (default: 200)
	SendWindow        string  `toml:"send_window"`        // Cron expression gating reminder dispatch (empty: always)
}

// GetPollInterval parses the poll interval duration
func (s *SchedulerConfig) GetPollInterval() (time.Duration, error) {
	if s.PollInterval == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(s.PollInterval)
}

// GetTickTimeout parses the tick timeout duration
func (s *SchedulerConfig) GetTickTimeout() (time.Duration, error) {
	if s.TickTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(s.TickTimeout)
}

// GetLookbackWindow parses the fallback correlation window
func (s *SchedulerConfig) GetLookbackWindow() (time.Duration, error) {
	if s.LookbackWindow == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.LookbackWindow)
}

// GetMaxPollBackoff parses the poll backoff cap
func (s *SchedulerConfig) GetMaxPollBackoff() (time.Duration, error) {
	if s.MaxPollBackoff == "" {
		return 2 * time.Hour, nil
	}
	return helpers.ParseDuration(s.MaxPollBackoff)
}

// RemindersConfig holds defaults applied to newly tracked emails.
type RemindersConfig struct {
	DefaultIntervalDays int    `toml:"default_interval_days"` // Days of silence before a reminder (default: 3)
	DefaultMaxReminders int    `toml:"default_max_reminders"` // Reminder cap; 0 means unlimited (default: 3)
	DefaultTemplate     string `toml:"default_template"`      // Template name used when none is given
}

// ClassifierConfig holds the pattern lists consulted by the reply classifier.
// All entries are Go regular expressions; invalid ones fail validation.
type ClassifierConfig struct {
	AutoReplyPatterns []string `toml:"auto_reply_patterns"` // Subject patterns marking out-of-office style responses
	BouncePatterns    []string `toml:"bounce_patterns"`     // Subject/sender patterns marking delivery notifications
	IgnorePatterns    []string `toml:"ignore_patterns"`     // Body patterns marking automated content
}

// IMAPConfig holds the fetch side of a mailbox.
type IMAPConfig struct {
	Host               string      `toml:"host"` // Server hostname (Gmail: imap.gmail.com, Outlook: outlook.office365.com)
	Port               interface{} `toml:"port"` // Default: 993 (TLS) or 143 (STARTTLS)
	Username           string      `toml:"username"`
	Password           string      `toml:"password"`
	UseStartTLS        bool        `toml:"use_starttls"` // STARTTLS on a plain port instead of implicit TLS
	InsecureSkipVerify bool        `toml:"insecure_skip_verify"`
	Folder             string      `toml:"folder"` // Folder polled for replies (default: "INBOX")
}

// SMTPConfig holds the submission side of a mailbox.
type SMTPConfig struct {
	Host               string      `toml:"host"` // Server hostname (Gmail: smtp.gmail.com, Outlook: smtp.office365.com)
	Port               interface{} `toml:"port"`       // Default: 465 (tls) or 587 (starttls)
	Username           string      `toml:"username"`
	Password           string      `toml:"password"`
	Encryption         string      `toml:"encryption"` // "tls", "starttls" (default: "starttls")
	InsecureSkipVerify bool        `toml:"insecure_skip_verify"`
	FromName           string      `toml:"from_name"` // Display name on outgoing reminders
}

// MailboxConfig describes one monitored mailbox. The engine never interprets
// the credentials; they pass through to the transport as-is.
type MailboxConfig struct {
	Name         string     `toml:"name"`          // Unique mailbox identifier used in records and logs
	Address      string     `toml:"address"`       // The identity reminders are sent from
	PollInterval string     `toml:"poll_interval"` // Optional per-mailbox override of scheduler.poll_interval
	IMAP         IMAPConfig `toml:"imap"`
	SMTP         SMTPConfig `toml:"smtp"`
}

// GetPollInterval returns the per-mailbox poll interval, falling back to the
// scheduler default when unset.
func (m *MailboxConfig) GetPollInterval(fallback time.Duration) (time.Duration, error) {
	if m.PollInterval == "" {
		return fallback, nil
	}
	return helpers.ParseDuration(m.PollInterval)
}

// APIConfig holds the admin HTTP API configuration.
type APIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`          // Listen address (default: ":8980")
	APIKey       string   `toml:"api_key"`       // Bearer token compared in constant time
	APIKeyHash   string   `toml:"api_key_hash"`  // bcrypt hash alternative to api_key (see chaser-admin hash-key)
	AllowedHosts []string `toml:"allowed_hosts"` // Client IPs or CIDR blocks; empty allows all
}

// MetricsConfig holds the Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (default: ":9090")
	Path    string `toml:"path"` // Metrics path (default: "/metrics")
}

// ArchiveConfig holds the optional S3-compatible audit archive configuration.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Trace         bool   `toml:"trace"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 32-byte hex key for client-side AES-256-GCM
}

// JournalConfig holds the local send journal location.
type JournalConfig struct {
	Path string `toml:"path"` // SQLite file path (default: "./chaser-journal.db")
}

// RetentionConfig controls the terminal-record retention sweeper.
type RetentionConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetainFor     string `toml:"retain_for"`     // Age after which terminal records are deleted (default: "90d")
	SweepInterval string `toml:"sweep_interval"` // How often the sweeper wakes (default: "24h")
	BatchSize     int    `toml:"batch_size"`     // Rows deleted per sweep pass (default: 500)
}

// GetRetainFor parses the retention age
func (r *RetentionConfig) GetRetainFor() (time.Duration, error) {
	if r.RetainFor == "" {
		return 90 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(r.RetainFor)
}

// GetSweepInterval parses the sweep interval
func (r *RetentionConfig) GetSweepInterval() (time.Duration, error) {
	if r.SweepInterval == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(r.SweepInterval)
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Reminders  RemindersConfig  `toml:"reminders"`
	Classifier ClassifierConfig `toml:"classifier"`
	API        APIConfig        `toml:"api"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Archive    ArchiveConfig    `toml:"archive"`
	Journal    JournalConfig    `toml:"journal"`
	Retention  RetentionConfig  `toml:"retention"`

	// Monitored mailboxes (top-level array of tables)
	Mailboxes []MailboxConfig `toml:"mailbox"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "postgres",
			Password:        "",
			Name:            "chaser_db",
			TLSMode:         false,
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
			QueryTimeout:    "30s",
		},
		Scheduler: SchedulerConfig{
			PollInterval:      "30m",
			TickTimeout:       "2m",
			LookbackWindow:    "30d",
			MaxPollBackoff:    "2h",
			BackoffMultiplier: 2.0,
			CommandQueueSize:  64,
			FetchBatchSize:    200,
		},
		Reminders: RemindersConfig{
			DefaultIntervalDays: 3,
			DefaultMaxReminders: 3,
			DefaultTemplate:     "default",
		},
		Classifier: ClassifierConfig{
			AutoReplyPatterns: DefaultAutoReplyPatterns(),
			BouncePatterns:    DefaultBouncePatterns(),
			IgnorePatterns:    DefaultIgnorePatterns(),
		},
		API: APIConfig{
			Start: true,
			Addr:  ":8980",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Journal: JournalConfig{
			Path: "./chaser-journal.db",
		},
		Retention: RetentionConfig{
			Enabled:       false,
			RetainFor:     "90d",
			SweepInterval: "24h",
			BatchSize:     500,
		},
	}
}

// DefaultAutoReplyPatterns returns the built-in out-of-office subject patterns
// (English and French).
func DefaultAutoReplyPatterns() []string {
	return []string{
		`(?i)^auto(matic)?[ -]?reply`,
		`(?i)^auto:`,
		`(?i)out of (the )?office`,
		`(?i)^ooo[: ]`,
		`(?i)vacation (response|reply|notice)`,
		`(?i)away from (the )?office`,
		`(?i)réponse automatique`,
		`(?i)absente? du bureau`,
		`(?i)en congés?`,
	}
}

// DefaultBouncePatterns returns the built-in delivery-failure subject/sender
// patterns.
func DefaultBouncePatterns() []string {
	return []string{
		`(?i)^(mail |message )?delivery (status|failed|failure)`,
		`(?i)undeliver(able|ed)`,
		`(?i)returned mail`,
		`(?i)failure notice`,
		`(?i)delivery status notification`,
		`(?i)mail delivery subsystem`,
		`(?i)^mailer-daemon`,
		`(?i)^postmaster`,
	}
}

// DefaultIgnorePatterns returns the built-in automated-body patterns
// (English and French).
func DefaultIgnorePatterns() []string {
	return []string{
		`(?i)this is an automatic(ally generated)? (response|message|reply)`,
		`(?i)do not reply to this (e-?mail|message)`,
		`(?i)i am (currently )?out of (the )?office`,
		`(?i)ceci est une réponse automatique`,
		`(?i)message généré automatiquement`,
		`(?i)je suis actuellement absente?`,
	}
}

// PortString normalizes a TOML port value (string or integer) to a string,
// falling back to def when unset.
func PortString(port interface{}, def string) string {
	switch v := port.(type) {
	case nil:
		return def
	case string:
		if v == "" {
			return def
		}
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%d", int64(v))
	default:
		return def
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface later at runtime. It returns the first problem found, prefixed with
// the TOML path of the offending field.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format: unknown format %q (expected \"json\" or \"console\")", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host: required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name: required")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database.query_timeout: %w", err)
	}

	if _, err := c.Scheduler.GetPollInterval(); err != nil {
		return fmt.Errorf("scheduler.poll_interval: %w", err)
	}
	if _, err := c.Scheduler.GetTickTimeout(); err != nil {
		return fmt.Errorf("scheduler.tick_timeout: %w", err)
	}
	if _, err := c.Scheduler.GetLookbackWindow(); err != nil {
		return fmt.Errorf("scheduler.lookback_window: %w", err)
	}
	if _, err := c.Scheduler.GetMaxPollBackoff(); err != nil {
		return fmt.Errorf("scheduler.max_poll_backoff: %w", err)
	}
	if c.Scheduler.BackoffMultiplier != 0 && c.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("scheduler.backoff_multiplier: must be >= 1")
	}
	if c.Scheduler.SendWindow != "" {
		if _, err := cron.ParseStandard(c.Scheduler.SendWindow); err != nil {
			return fmt.Errorf("scheduler.send_window: invalid cron expression: %w", err)
		}
	}

	if c.Reminders.DefaultIntervalDays < 1 {
		return fmt.Errorf("reminders.default_interval_days: must be >= 1")
	}
	if c.Reminders.DefaultMaxReminders < 0 {
		return fmt.Errorf("reminders.default_max_reminders: must be >= 0")
	}
	if c.Reminders.DefaultTemplate == "" {
		return fmt.Errorf("reminders.default_template: required")
	}

	for i, p := range c.Classifier.AutoReplyPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("classifier.auto_reply_patterns[%d]: %w", i, err)
		}
	}
	for i, p := range c.Classifier.BouncePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("classifier.bounce_patterns[%d]: %w", i, err)
		}
	}
	for i, p := range c.Classifier.IgnorePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("classifier.ignore_patterns[%d]: %w", i, err)
		}
	}

	if len(c.Mailboxes) == 0 {
		return fmt.Errorf("mailbox: at least one [[mailbox]] must be configured")
	}
	seen := make(map[string]bool, len(c.Mailboxes))
	for i, mb := range c.Mailboxes {
		path := fmt.Sprintf("mailbox[%d]", i)
		if mb.Name == "" {
			return fmt.Errorf("%s.name: required", path)
		}
		if seen[mb.Name] {
			return fmt.Errorf("%s.name: duplicate mailbox name %q", path, mb.Name)
		}
		seen[mb.Name] = true
		if mb.Address == "" {
			return fmt.Errorf("%s.address: required", path)
		}
		if _, err := mail.ParseAddress(mb.Address); err != nil {
			return fmt.Errorf("%s.address: %w", path, err)
		}
		if mb.PollInterval != "" {
			if _, err := helpers.ParseDuration(mb.PollInterval); err != nil {
				return fmt.Errorf("%s.poll_interval: %w", path, err)
			}
		}
		if mb.IMAP.Host == "" {
			return fmt.Errorf("%s.imap.host: required", path)
		}
		if mb.IMAP.Username == "" {
			return fmt.Errorf("%s.imap.username: required", path)
		}
		if mb.SMTP.Host == "" {
			return fmt.Errorf("%s.smtp.host: required", path)
		}
		switch mb.SMTP.Encryption {
		case "", "tls", "starttls":
		default:
			return fmt.Errorf("%s.smtp.encryption: unknown mode %q (expected \"tls\" or \"starttls\")", path, mb.SMTP.Encryption)
		}
	}

	if c.API.Start && c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key: required when the admin API is enabled (or set api.api_key_hash)")
	}
	for i, host := range c.API.AllowedHosts {
		if strings.Contains(host, "/") {
			if _, _, err := net.ParseCIDR(host); err != nil {
				return fmt.Errorf("api.allowed_hosts[%d]: %w", i, err)
			}
		} else if net.ParseIP(host) == nil {
			return fmt.Errorf("api.allowed_hosts[%d]: invalid IP address %q", i, host)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive.endpoint: required when archive is enabled")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket: required when archive is enabled")
		}
		if c.Archive.Encrypt && c.Archive.EncryptionKey == "" {
			return fmt.Errorf("archive.encryption_key: required when archive.encrypt is true")
		}
	}

	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path: required")
	}

	if c.Retention.Enabled {
		if _, err := c.Retention.GetRetainFor(); err != nil {
			return fmt.Errorf("retention.retain_for: %w", err)
		}
		if _, err := c.Retention.GetSweepInterval(); err != nil {
			return fmt.Errorf("retention.sweep_interval: %w", err)
		}
	}

	return nil
}

// MailboxByName returns the configuration for the named mailbox.
func (c *Config) MailboxByName(name string) (*MailboxConfig, bool) {
	for i := range c.Mailboxes {
		if c.Mailboxes[i].Name == name {
			return &c.Mailboxes[i], true
		}
	}
	return nil, false
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace
// from all string fields. Unknown keys are logged and ignored so that a config
// written for a newer release does not stop an older binary from starting.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file '%s': %w", configPath, err)
	}

	// Warn about unknown keys (might be typos or deprecated settings)
	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port fields decode as string or integer
		if !v.IsNil() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
