package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chaserhq/chaser/db"
)

func handleStats(ctx context.Context) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	showMailboxes := fs.Bool("mailboxes", false, "Include per-mailbox poll checkpoints")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Show follow-up statistics

Usage:
  chaser-admin stats [options]

Options:
  --mailboxes           Include per-mailbox poll checkpoints
  --config string       Path to TOML configuration file (default: config.toml)

Database Options (override config file):
  --dbhost string       Database host
  --dbport int          Database port
  --dbuser string       Database user
  --dbpassword string   Database password
  --dbname string       Database name
  --dbtls               Enable TLS for database connection

Examples:
  chaser-admin stats --config config.toml
  chaser-admin stats --config config.toml --mailboxes
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	if err := showStats(ctx, cfg, *showMailboxes); err != nil {
		log.Fatalf("Failed to get statistics: %v", err)
	}
}

func showStats(ctx context.Context, cfg AdminConfig, showMailboxes bool) error {
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.GetFollowupStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query follow-up stats: %w", err)
	}

	fmt.Println("Follow-up Statistics")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Println()

	fmt.Println("By State:")
	for _, state := range []string{db.StatePending, db.StateReplied, db.StateExhausted, db.StateCancelled} {
		fmt.Printf("  %-12s %d\n", state+":", stats.ByState[state])
	}
	fmt.Println()

	fmt.Printf("Due now:          %d\n", stats.DueNow)
	fmt.Printf("Reminders sent:   %d\n", stats.RemindersSent)
	fmt.Printf("Replies detected: %d\n", stats.RepliesDetected)

	if !showMailboxes {
		return nil
	}

	checkpoints, err := database.ListMailboxStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to query mailbox states: %w", err)
	}

	fmt.Println()
	fmt.Println("Mailbox Checkpoints:")
	if len(checkpoints) == 0 {
		fmt.Println("  (no mailbox has been polled yet)")
		return nil
	}

	fmt.Printf("  %-20s  %11s  %9s  %-17s  %s\n",
		"NAME", "UIDVALIDITY", "LAST UID", "LAST SUCCESS", "FAILURES")
	for _, mb := range checkpoints {
		failures := fmt.Sprintf("%d", mb.ConsecutiveFailures)
		if mb.ConsecutiveFailures > 0 && mb.LastError != "" {
			failures = fmt.Sprintf("%d (%s)", mb.ConsecutiveFailures, truncate(mb.LastError, 40))
		}
		fmt.Printf("  %-20s  %11d  %9d  %-17s  %s\n",
			truncate(mb.Name, 20), mb.UIDValidity, mb.LastUID,
			formatWhen(mb.LastSuccessAt), failures)
	}
	return nil
}
