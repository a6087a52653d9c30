package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/mail"
	"os"
	"time"

	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/db"
)

func handleTrack(ctx context.Context) {
	fs := flag.NewFlagSet("track", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	mailbox := fs.String("mailbox", "", "Mailbox the email was sent from (required)")
	to := fs.String("to", "", "Recipient address (required)")
	subject := fs.String("subject", "", "Subject of the sent email (required)")
	sent := fs.String("sent", "", "When the email was sent, RFC3339 (default: now)")
	messageID := fs.String("message-id", "", "Message-ID of the sent email, for reply threading")
	threadKey := fs.String("thread-key", "", "Explicit thread key (default: the message id)")
	interval := fs.Int("interval", 0, "Days of silence before each reminder (default: from config)")
	maxReminders := fs.Int("max", 0, "Reminder cap; 0 means unlimited (default: from config)")
	templateName := fs.String("template", "", "Template used for reminders (default: from config)")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Register a sent email for follow-up

The engine starts watching the mailbox for a reply and sends reminders on the
configured interval until the recipient answers, the cap is reached, or the
follow-up is cancelled.

Usage:
  chaser-admin track [options]

Options:
  --mailbox string     Mailbox the email was sent from (required)
  --to string          Recipient address (required)
  --subject string     Subject of the sent email (required)
  --sent string        When the email was sent, RFC3339 (default: now)
  --message-id string  Message-ID of the sent email, for reply threading
  --thread-key string  Explicit thread key (default: the message id)
  --interval int       Days of silence before each reminder (default: from config)
  --max int            Reminder cap; 0 means unlimited (default: from config)
  --template string    Template used for reminders (default: from config)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  chaser-admin track --mailbox sales --to customer@example.com --subject "Quote #441"
  chaser-admin track --mailbox sales --to customer@example.com --subject "Quote #441" \
      --message-id "<a1b2@example.com>" --interval 7 --max 2
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *mailbox == "" {
		fmt.Printf("Error: --mailbox is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *to == "" {
		fmt.Printf("Error: --to is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if _, err := mail.ParseAddress(*to); err != nil {
		fmt.Printf("Error: --to is not a valid address: %v\n\n", err)
		fs.Usage()
		os.Exit(1)
	}
	if *subject == "" {
		fmt.Printf("Error: --subject is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *interval < 0 {
		fmt.Printf("Error: --interval must be positive\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *maxReminders < 0 {
		fmt.Printf("Error: --max cannot be negative\n\n")
		fs.Usage()
		os.Exit(1)
	}

	sentAt := time.Now()
	if *sent != "" {
		parsed, err := time.Parse(time.RFC3339, *sent)
		if err != nil {
			fmt.Printf("Error: --sent must be RFC3339 (e.g. 2026-08-20T10:00:00Z): %v\n\n", err)
			fs.Usage()
			os.Exit(1)
		}
		sentAt = parsed
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	// Fill unset options from the configured reminder defaults
	intervalDays := *interval
	if intervalDays == 0 {
		intervalDays = cfg.Reminders.DefaultIntervalDays
	}
	var reminderCap *int
	switch {
	case isFlagSet(fs, "max"):
		if *maxReminders > 0 {
			reminderCap = maxReminders
		}
	case cfg.Reminders.DefaultMaxReminders > 0:
		v := cfg.Reminders.DefaultMaxReminders
		reminderCap = &v
	}
	tmpl := *templateName
	if tmpl == "" {
		tmpl = cfg.Reminders.DefaultTemplate
	}

	te, err := trackFollowup(ctx, cfg, &db.CreateTrackedEmailParams{
		Mailbox:              *mailbox,
		Recipient:            *to,
		Subject:              *subject,
		SentAt:               sentAt,
		MessageID:            *messageID,
		ThreadKey:            *threadKey,
		ReminderIntervalDays: intervalDays,
		MaxReminders:         reminderCap,
		TemplateName:         tmpl,
	})
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			log.Fatalf("A pending follow-up for this message already exists")
		}
		log.Fatalf("Failed to track email: %v", err)
	}

	fmt.Printf("Tracking follow-up #%d for %s\n", te.ID, te.Recipient)
	if te.NextActionAt != nil {
		fmt.Printf("First reminder due: %s\n", te.NextActionAt.Local().Format(time.RFC3339))
	}
}

func trackFollowup(ctx context.Context, cfg AdminConfig, params *db.CreateTrackedEmailParams) (*db.TrackedEmail, error) {
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	te, err := database.CreateTrackedEmail(ctx, params)
	if err != nil {
		return nil, err
	}

	appendAdminEvent(ctx, database, &db.AppendEngineEventParams{
		EventType:      db.EventCreated,
		Mailbox:        te.Mailbox,
		TrackedEmailID: &te.ID,
		Details: map[string]interface{}{
			"recipient":     te.Recipient,
			"interval_days": te.ReminderIntervalDays,
			"template":      te.TemplateName,
		},
	})
	return te, nil
}

func handleList(ctx context.Context) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	state := fs.String("state", "", "Filter by state: pending, replied, exhausted, cancelled")
	mailbox := fs.String("mailbox", "", "Filter by mailbox")
	limit := fs.Int("limit", 50, "Maximum number of records to show")
	offset := fs.Int("offset", 0, "Number of records to skip")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`List tracked emails, newest first

Usage:
  chaser-admin list [options]

Options:
  --state string       Filter by state: pending, replied, exhausted, cancelled
  --mailbox string     Filter by mailbox
  --limit int          Maximum number of records to show (default: 50)
  --offset int         Number of records to skip (default: 0)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  chaser-admin list
  chaser-admin list --state pending --mailbox sales
  chaser-admin list --limit 10 --offset 20
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	switch *state {
	case "", db.StatePending, db.StateReplied, db.StateExhausted, db.StateCancelled:
	default:
		fmt.Printf("Error: unknown state %q\n\n", *state)
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	if err := listFollowups(ctx, cfg, *state, *mailbox, *limit, *offset); err != nil {
		log.Fatalf("Failed to list follow-ups: %v", err)
	}
}

func listFollowups(ctx context.Context, cfg AdminConfig, state, mailbox string, limit, offset int) error {
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	records, err := database.ListTrackedEmails(ctx, &db.ListTrackedEmailsParams{
		Mailbox: mailbox,
		State:   state,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No tracked emails found.")
		return nil
	}

	fmt.Printf("%6s  %-9s  %-12s  %-28s  %9s  %-17s  %s\n",
		"ID", "STATE", "MAILBOX", "RECIPIENT", "REMINDERS", "NEXT ACTION", "SUBJECT")
	for _, te := range records {
		fmt.Printf("%6d  %-9s  %-12s  %-28s  %9s  %-17s  %s\n",
			te.ID, te.State, truncate(te.Mailbox, 12), truncate(te.Recipient, 28),
			reminderProgress(te), formatWhen(te.NextActionAt), truncate(te.Subject, 40))
	}
	fmt.Printf("\nTotal: %d\n", len(records))
	return nil
}

func handleShow(ctx context.Context) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Follow-up id (required)")
	eventLimit := fs.Int("events", 20, "Number of engine events to show")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Show one tracked email with its reminder history and engine events

Usage:
  chaser-admin show [options]

Options:
  --id int             Follow-up id (required)
  --events int         Number of engine events to show (default: 20)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  chaser-admin show --id 42
  chaser-admin show --id 42 --events 50
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *id == 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	if err := showFollowup(ctx, cfg, *id, *eventLimit); err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			log.Fatalf("Follow-up %d not found", *id)
		}
		log.Fatalf("Failed to show follow-up: %v", err)
	}
}

func showFollowup(ctx context.Context, cfg AdminConfig, id int64, eventLimit int) error {
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	te, err := database.GetTrackedEmail(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Follow-up #%d\n\n", te.ID)
	fmt.Printf("  State:       %s\n", te.State)
	fmt.Printf("  Mailbox:     %s\n", te.Mailbox)
	fmt.Printf("  Recipient:   %s\n", te.Recipient)
	fmt.Printf("  Subject:     %s\n", te.Subject)
	fmt.Printf("  Sent:        %s\n", te.SentAt.Local().Format(time.RFC3339))
	if te.MessageID != "" {
		fmt.Printf("  Message-ID:  %s\n", te.MessageID)
	}
	fmt.Printf("  Interval:    %d days\n", te.ReminderIntervalDays)
	if te.MaxReminders != nil {
		fmt.Printf("  Reminders:   %d of %d sent\n", te.ReminderCount, *te.MaxReminders)
	} else {
		fmt.Printf("  Reminders:   %d sent (no cap)\n", te.ReminderCount)
	}
	fmt.Printf("  Template:    %s\n", te.TemplateName)
	if te.NextActionAt != nil && te.State == db.StatePending {
		fmt.Printf("  Next action: %s\n", te.NextActionAt.Local().Format(time.RFC3339))
	}
	if te.RepliedAt != nil {
		fmt.Printf("  Replied:     %s\n", te.RepliedAt.Local().Format(time.RFC3339))
	}
	if te.ReplyMessageID != nil && *te.ReplyMessageID != "" {
		fmt.Printf("  Reply id:    %s\n", *te.ReplyMessageID)
	}

	reminders, err := database.ListReminderEvents(ctx, id)
	if err != nil {
		return err
	}
	if len(reminders) > 0 {
		fmt.Printf("\nReminders:\n")
		for _, rev := range reminders {
			fmt.Printf("  #%d sent %s  template %s  %s\n",
				rev.AttemptNumber, rev.SentAt.Local().Format("2006-01-02 15:04"),
				rev.TemplateUsed, rev.ReminderMessageID)
		}
	}

	events, err := database.ListEngineEvents(ctx, id, eventLimit)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Printf("\nEvents:\n")
		for _, ev := range events {
			fmt.Printf("  %s  %s\n", ev.OccurredAt.Local().Format("2006-01-02 15:04"), ev.EventType)
		}
	}

	return nil
}

func handleCancel(ctx context.Context) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Follow-up id (required)")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Cancel a pending follow-up

No further reminders are sent. Terminal follow-ups (replied, exhausted,
already cancelled) cannot be cancelled again.

Usage:
  chaser-admin cancel [options]

Options:
  --id int             Follow-up id (required)
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  chaser-admin cancel --id 42
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *id == 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	if err := cancelFollowup(ctx, cfg, *id); err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			log.Fatalf("Follow-up %d not found", *id)
		}
		if errors.Is(err, consts.ErrAlreadyTerminal) {
			log.Fatalf("Follow-up %d is already settled", *id)
		}
		log.Fatalf("Failed to cancel follow-up: %v", err)
	}

	fmt.Printf("Follow-up %d cancelled\n", *id)
}

func cancelFollowup(ctx context.Context, cfg AdminConfig, id int64) error {
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	te, err := database.GetTrackedEmail(ctx, id)
	if err != nil {
		return err
	}
	if err := database.CancelTrackedEmail(ctx, id); err != nil {
		return err
	}

	appendAdminEvent(ctx, database, &db.AppendEngineEventParams{
		EventType:      db.EventCancelled,
		Mailbox:        te.Mailbox,
		TrackedEmailID: &id,
	})
	return nil
}

func handleSetInterval(ctx context.Context) {
	fs := flag.NewFlagSet("set-interval", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Follow-up id (required)")
	interval := fs.Int("interval", 0, "New reminder interval in days")
	maxReminders := fs.Int("max", 0, "New reminder cap; 0 clears the cap")
	templateName := fs.String("template", "", "New template name")
	dbf := registerDBFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Change a pending follow-up's reminder settings

The next reminder is rescheduled from the last activity (last reminder sent,
or the original send) plus the new interval. Only pending follow-ups can be
edited.

Usage:
  chaser-admin set-interval [options]

Options:
  --id int             Follow-up id (required)
  --interval int       New reminder interval in days
  --max int            New reminder cap; 0 clears the cap
  --template string    New template name
  --config string      Path to TOML configuration file (default: config.toml)

Database Options:
  --dbhost string      Database host (overrides config)
  --dbport string      Database port (overrides config)
  --dbuser string      Database user (overrides config)
  --dbpassword string  Database password (overrides config)
  --dbname string      Database name (overrides config)
  --dbtls              Enable TLS for database connection (overrides config)

Examples:
  chaser-admin set-interval --id 42 --interval 7
  chaser-admin set-interval --id 42 --max 0
  chaser-admin set-interval --id 42 --interval 5 --template gentle
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *id == 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	params := &db.UpdateSettingsParams{}
	if isFlagSet(fs, "interval") {
		if *interval <= 0 {
			fmt.Printf("Error: --interval must be positive\n\n")
			fs.Usage()
			os.Exit(1)
		}
		params.IntervalDays = interval
	}
	if isFlagSet(fs, "max") {
		if *maxReminders < 0 {
			fmt.Printf("Error: --max cannot be negative\n\n")
			fs.Usage()
			os.Exit(1)
		}
		params.MaxReminders = maxReminders
	}
	if isFlagSet(fs, "template") {
		if *templateName == "" {
			fmt.Printf("Error: --template cannot be empty\n\n")
			fs.Usage()
			os.Exit(1)
		}
		params.TemplateName = templateName
	}
	if params.IntervalDays == nil && params.MaxReminders == nil && params.TemplateName == nil {
		fmt.Printf("Error: at least one of --interval, --max, or --template must be specified\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	updated, err := updateFollowupSettings(ctx, cfg, *id, params)
	if err != nil {
		if errors.Is(err, consts.ErrTrackedEmailNotFound) {
			log.Fatalf("Follow-up %d not found", *id)
		}
		if errors.Is(err, consts.ErrAlreadyTerminal) {
			log.Fatalf("Follow-up %d is already settled and cannot be edited", *id)
		}
		if errors.Is(err, consts.ErrTemplateNotFound) {
			log.Fatalf("Unknown template %q", *templateName)
		}
		log.Fatalf("Failed to update follow-up: %v", err)
	}

	fmt.Printf("Follow-up %d updated\n", *id)
	if updated.NextActionAt != nil {
		fmt.Printf("Next reminder due: %s\n", updated.NextActionAt.Local().Format(time.RFC3339))
	}
}

func updateFollowupSettings(ctx context.Context, cfg AdminConfig, id int64, params *db.UpdateSettingsParams) (*db.TrackedEmail, error) {
	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	// An unknown template would make every later render fail
	if params.TemplateName != nil {
		if _, err := database.GetTemplate(ctx, *params.TemplateName); err != nil {
			return nil, err
		}
	}

	updated, err := database.UpdateReminderSettings(ctx, id, params)
	if err != nil {
		return nil, err
	}

	details := map[string]interface{}{}
	if params.IntervalDays != nil {
		details["interval_days"] = *params.IntervalDays
	}
	if params.MaxReminders != nil {
		details["max_reminders"] = *params.MaxReminders
	}
	if params.TemplateName != nil {
		details["template"] = *params.TemplateName
	}
	if updated.NextActionAt != nil {
		details["next_action_at"] = updated.NextActionAt.UTC().Format(time.RFC3339)
	}
	appendAdminEvent(ctx, database, &db.AppendEngineEventParams{
		EventType:      db.EventSettingsChanged,
		Mailbox:        updated.Mailbox,
		TrackedEmailID: &id,
		Details:        details,
	})
	return updated, nil
}

// appendAdminEvent records CLI-driven changes in the engine activity log.
// Failures are reported, not fatal; the change itself already happened.
func appendAdminEvent(ctx context.Context, database *db.Database, params *db.AppendEngineEventParams) {
	if err := database.AppendEngineEvent(ctx, params); err != nil {
		log.Printf("WARNING: failed to record %s event: %v", params.EventType, err)
	}
}
