package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/helpers"
)

func handleConfigCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printConfigUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "dump":
		handleConfigDump(ctx)
	case "validate":
		handleConfigValidate(ctx)
	case "help", "--help", "-h":
		printConfigUsage()
	default:
		fmt.Printf("Unknown config subcommand: %s\n\n", subcommand)
		printConfigUsage()
		os.Exit(1)
	}
}

func printConfigUsage() {
	fmt.Printf(`Configuration Management

Usage:
  chaser-admin config <subcommand> [options]

Subcommands:
  validate  Check the configuration file for syntax and validation errors
  dump      Print the parsed configuration for debugging

Examples:
  chaser-admin config validate --config config.toml
  chaser-admin config dump --config config.toml
  chaser-admin config dump --config config.toml --format json --mask-secrets=false

Use 'chaser-admin config <subcommand> --help' for detailed help.
`)
}

// loadFullConfig reads the complete daemon configuration. Unlike the store
// commands, a missing file is always an error here: inspecting defaults that
// no daemon runs with would only mislead.
func loadFullConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			log.Fatalf("Configuration file '%s' not found", configPath)
		}
		log.Fatalf("Failed to parse configuration file '%s': %v", configPath, err)
	}
	return cfg
}

func handleConfigValidate(_ context.Context) {
	fs := flag.NewFlagSet("config validate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: chaser-admin config validate [--config config.toml]")
		fmt.Println("Checks TOML syntax, duration and cron expressions, classifier")
		fmt.Println("patterns, and per-mailbox credentials for completeness.")
	}
	fs.Parse(os.Args[3:])

	fmt.Printf("Validating configuration file: %s\n\n", *configPath)

	cfg := loadFullConfig(*configPath)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration validation FAILED:\n  %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid.")
	if len(cfg.Mailboxes) == 0 {
		fmt.Println("\nWarning: no mailboxes configured; the daemon would start without engines.")
		return
	}
	fmt.Println("\nConfigured mailboxes:")
	for i := range cfg.Mailboxes {
		mb := &cfg.Mailboxes[i]
		fmt.Printf("  - %s (%s) polling %s, submitting via %s\n",
			mb.Name, mb.Address, mb.IMAP.Host, mb.SMTP.Host)
	}
}

func handleConfigDump(_ context.Context) {
	fs := flag.NewFlagSet("config dump", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	format := fs.String("format", "toml", "Output format: toml or json")
	maskSecrets := fs.Bool("mask-secrets", true, "Mask credentials (passwords, keys)")
	fs.Usage = func() {
		fmt.Printf(`Print the parsed configuration for debugging

Defaults are filled in, so the output shows what the daemon actually runs
with. Credentials are masked unless --mask-secrets=false.

Usage:
  chaser-admin config dump [--config config.toml] [options]

Options:
  --format FORMAT      Output format: toml or json (default: toml)
  --mask-secrets       Mask credentials (default: true)
`)
	}
	fs.Parse(os.Args[3:])

	cfg := loadFullConfig(*configPath)

	// Ports may be TOML strings, integers, or absent; normalize to the
	// effective value so the dump shows what the daemon dials and the TOML
	// encoder never sees a nil interface.
	cfg.Database.Port = config.PortString(cfg.Database.Port, "5432")
	for i := range cfg.Mailboxes {
		mb := &cfg.Mailboxes[i]
		imapPort := "993"
		if mb.IMAP.UseStartTLS {
			imapPort = "143"
		}
		mb.IMAP.Port = config.PortString(mb.IMAP.Port, imapPort)
		smtpPort := "587"
		if mb.SMTP.Encryption == "tls" {
			smtpPort = "465"
		}
		mb.SMTP.Port = config.PortString(mb.SMTP.Port, smtpPort)
	}

	if *maskSecrets {
		cfg.Database.Password = helpers.MaskSecret(cfg.Database.Password)
		cfg.API.APIKey = helpers.MaskSecret(cfg.API.APIKey)
		cfg.API.APIKeyHash = helpers.MaskSecret(cfg.API.APIKeyHash)
		cfg.Archive.AccessKey = helpers.MaskSecret(cfg.Archive.AccessKey)
		cfg.Archive.SecretKey = helpers.MaskSecret(cfg.Archive.SecretKey)
		cfg.Archive.EncryptionKey = helpers.MaskSecret(cfg.Archive.EncryptionKey)
		for i := range cfg.Mailboxes {
			cfg.Mailboxes[i].IMAP.Password = helpers.MaskSecret(cfg.Mailboxes[i].IMAP.Password)
			cfg.Mailboxes[i].SMTP.Password = helpers.MaskSecret(cfg.Mailboxes[i].SMTP.Password)
		}
	}

	switch *format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(cfg); err != nil {
			log.Fatalf("Failed to encode config as JSON: %v", err)
		}
	case "toml":
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			log.Fatalf("Failed to encode config as TOML: %v", err)
		}
	default:
		log.Fatalf("Unknown format: %s (supported: toml, json)", *format)
	}
}
