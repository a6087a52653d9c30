package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/db"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// AdminConfig holds the minimal configuration needed for admin operations.
// It reuses the daemon's section types so the TOML keys stay identical.
type AdminConfig struct {
	Database  config.DatabaseConfig  `toml:"database"`
	Reminders config.RemindersConfig `toml:"reminders"`
}

func newDefaultAdminConfig() AdminConfig {
	defaults := config.NewDefaultConfig()
	return AdminConfig{
		Database:  defaults.Database,
		Reminders: defaults.Reminders,
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "track":
		handleTrack(ctx)
	case "list":
		handleList(ctx)
	case "show":
		handleShow(ctx)
	case "cancel":
		handleCancel(ctx)
	case "set-interval":
		handleSetInterval(ctx)
	case "template":
		handleTemplateCommand(ctx)
	case "stats":
		handleStats(ctx)
	case "config":
		handleConfigCommand(ctx)
	case "hash-key":
		handleHashKey()
	case "migrate":
		handleMigrateCommand(ctx)
	case "version", "--version", "-v":
		fmt.Printf("chaser-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`CHASER Admin Tool

Usage:
  chaser-admin <command> [options]

Commands:
  track         Register a sent email for follow-up
  list          List tracked emails
  show          Show one tracked email with its reminder history
  cancel        Cancel a pending follow-up
  set-interval  Change a pending follow-up's reminder settings
  template      Manage reminder templates (list, show, set, delete)
  stats         Show follow-up counts and engine activity
  config        Validate or dump the daemon configuration (validate, dump)
  hash-key      Generate a bcrypt hash for the admin API key
  migrate       Manage the database schema (up, down, version, force)
  version       Show version information
  help          Show this help message

Examples:
  chaser-admin track --mailbox sales --to customer@example.com --subject "Quote #441"
  chaser-admin list --state pending
  chaser-admin show --id 42
  chaser-admin cancel --id 42
  chaser-admin set-interval --id 42 --interval 7
  chaser-admin template set --name gentle --subject "Re: {SUBJECT}" --body-file gentle.txt
  chaser-admin hash-key --key my-secret-api-key
  chaser-admin migrate up

Use 'chaser-admin <command> --help' for more information about a command.
`)
}

// dbFlags holds the database override flags shared by every command that
// talks to the store.
type dbFlags struct {
	host     *string
	port     *string
	user     *string
	password *string
	name     *string
	tls      *bool
}

func registerDBFlags(fs *flag.FlagSet) *dbFlags {
	return &dbFlags{
		host:     fs.String("dbhost", "", "Database host (overrides config)"),
		port:     fs.String("dbport", "", "Database port (overrides config)"),
		user:     fs.String("dbuser", "", "Database user (overrides config)"),
		password: fs.String("dbpassword", "", "Database password (overrides config)"),
		name:     fs.String("dbname", "", "Database name (overrides config)"),
		tls:      fs.Bool("dbtls", false, "Enable TLS for database connection (overrides config)"),
	}
}

func (d *dbFlags) apply(fs *flag.FlagSet, cfg *config.DatabaseConfig) {
	if isFlagSet(fs, "dbhost") {
		cfg.Host = *d.host
	}
	if isFlagSet(fs, "dbport") {
		cfg.Port = *d.port
	}
	if isFlagSet(fs, "dbuser") {
		cfg.User = *d.user
	}
	if isFlagSet(fs, "dbpassword") {
		cfg.Password = *d.password
	}
	if isFlagSet(fs, "dbname") {
		cfg.Name = *d.name
	}
	if isFlagSet(fs, "dbtls") {
		cfg.TLSMode = *d.tls
	}
}

// loadAdminConfig reads the TOML configuration, tolerating a missing default
// file but failing on an explicitly specified one.
func loadAdminConfig(fs *flag.FlagSet, configPath string) AdminConfig {
	cfg := newDefaultAdminConfig()
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet(fs, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			} else {
				log.Printf("WARNING: default configuration file '%s' not found. Using defaults and command-line flags.", configPath)
			}
		} else {
			log.Fatalf("FATAL: error parsing configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

// openDatabase connects to the store with the effective configuration.
func openDatabase(ctx context.Context, cfg AdminConfig) (*db.Database, error) {
	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

// Helper function to check if a flag was explicitly set
func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
