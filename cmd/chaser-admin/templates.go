package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/template"
)

func handleTemplateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printTemplateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "list":
		handleTemplateList(ctx)
	case "show":
		handleTemplateShow(ctx)
	case "set":
		handleTemplateSet(ctx)
	case "delete":
		handleTemplateDelete(ctx)
	case "help", "--help", "-h":
		printTemplateUsage()
	default:
		fmt.Printf("Unknown template subcommand: %s\n\n", subcommand)
		printTemplateUsage()
		os.Exit(1)
	}
}

func printTemplateUsage() {
	fmt.Printf(`Reminder Template Management

Templates are stored in the database and referenced by name from tracked
emails. Subject and body may use these placeholders:

  %s

Usage:
  chaser-admin template <subcommand> [options]

Subcommands:
  list      List all templates
  show      Show one template's subject and body
  set       Create or update a template
  delete    Delete a template (the 'default' template cannot be deleted)

Examples:
  chaser-admin template list
  chaser-admin template show --name default
  chaser-admin template set --name gentle --subject "Re: {SUBJECT}" --body-file gentle.txt
  chaser-admin template delete --name gentle

Use 'chaser-admin template <subcommand> --help' for detailed help.
`, "{"+strings.Join(template.Known, "} {")+"}")
}

func handleTemplateList(ctx context.Context) {
	fs := flag.NewFlagSet("template list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	dbf := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: chaser-admin template list [--config config.toml]")
		fmt.Println("Lists all stored reminder templates.")
	}
	fs.Parse(os.Args[3:])

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	templates, err := database.ListTemplates(ctx)
	if err != nil {
		log.Fatalf("Failed to list templates: %v", err)
	}

	fmt.Printf("%-20s  %-17s  %s\n", "NAME", "UPDATED", "SUBJECT")
	for _, t := range templates {
		fmt.Printf("%-20s  %-17s  %s\n",
			t.Name, t.UpdatedAt.Local().Format("2006-01-02 15:04"), truncate(t.Subject, 50))
	}
	fmt.Printf("\nTotal: %d\n", len(templates))
}

func handleTemplateShow(ctx context.Context) {
	fs := flag.NewFlagSet("template show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Template name (required)")
	dbf := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: chaser-admin template show --name <name> [--config config.toml]")
		fmt.Println("Shows one template's subject and body.")
	}
	fs.Parse(os.Args[3:])

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	t, err := database.GetTemplate(ctx, *name)
	if err != nil {
		if errors.Is(err, consts.ErrTemplateNotFound) {
			log.Fatalf("Template %q not found", *name)
		}
		log.Fatalf("Failed to load template: %v", err)
	}

	fmt.Printf("Template: %s\n", t.Name)
	fmt.Printf("Updated:  %s\n\n", t.UpdatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("Subject: %s\n\n", t.Subject)
	fmt.Println(t.Body)
}

func handleTemplateSet(ctx context.Context) {
	fs := flag.NewFlagSet("template set", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Template name (required)")
	subject := fs.String("subject", "", "Subject line, may use placeholders (required)")
	body := fs.String("body", "", "Body text, may use placeholders")
	bodyFile := fs.String("body-file", "", "Read the body from a file instead of --body")
	dbf := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Printf(`Create or update a reminder template

The subject and body may reference these placeholders:

  %s

Unknown placeholders are rejected; a template that cannot render would fail
every reminder that uses it.

Usage:
  chaser-admin template set --name <name> --subject <subject> (--body <text> | --body-file <path>)

Examples:
  chaser-admin template set --name gentle --subject "Re: {SUBJECT}" --body "Hi, just checking in on my email from {SENT_DATE}."
  chaser-admin template set --name default --subject "Following up: {SUBJECT}" --body-file default.txt
`, "{"+strings.Join(template.Known, "} {")+"}")
	}
	fs.Parse(os.Args[3:])

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *subject == "" {
		fmt.Printf("Error: --subject is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *body == "" && *bodyFile == "" {
		fmt.Printf("Error: either --body or --body-file must be specified\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *body != "" && *bodyFile != "" {
		fmt.Printf("Error: --body and --body-file are mutually exclusive\n\n")
		fs.Usage()
		os.Exit(1)
	}

	bodyText := *body
	if *bodyFile != "" {
		raw, err := os.ReadFile(*bodyFile)
		if err != nil {
			log.Fatalf("Failed to read body file: %v", err)
		}
		bodyText = string(raw)
	}

	if err := template.Validate(*name, *subject); err != nil {
		log.Fatalf("Invalid subject: %v", err)
	}
	if err := template.Validate(*name, bodyText); err != nil {
		log.Fatalf("Invalid body: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if _, err := database.UpsertTemplate(ctx, *name, *subject, bodyText); err != nil {
		log.Fatalf("Failed to store template: %v", err)
	}

	fmt.Printf("Template %q stored\n", *name)
}

func handleTemplateDelete(ctx context.Context) {
	fs := flag.NewFlagSet("template delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Template name (required)")
	dbf := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: chaser-admin template delete --name <name> [--config config.toml]")
		fmt.Println("Deletes a template. The 'default' template cannot be deleted.")
	}
	fs.Parse(os.Args[3:])

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)
	dbf.apply(fs, &cfg.Database)

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.DeleteTemplate(ctx, *name); err != nil {
		if errors.Is(err, consts.ErrNotPermitted) {
			log.Fatalf("The default template cannot be deleted")
		}
		if errors.Is(err, consts.ErrTemplateNotFound) {
			log.Fatalf("Template %q not found", *name)
		}
		log.Fatalf("Failed to delete template: %v", err)
	}

	fmt.Printf("Template %q deleted\n", *name)
}
