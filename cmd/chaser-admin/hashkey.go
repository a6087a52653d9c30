package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func handleHashKey() {
	fs := flag.NewFlagSet("hash-key", flag.ExitOnError)

	key := fs.String("key", "", "API key to hash (required)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")

	fs.Usage = func() {
		fmt.Printf(`Hash an API key for the configuration file

Usage:
  chaser-admin hash-key [options]

Options:
  --key string          API key to hash (required)
  --cost int            bcrypt cost factor, 4-31 (default: 10)

The resulting hash goes into the [api] section as api_key_hash, which takes
precedence over the plaintext api_key setting. No database access is needed.

Examples:
  chaser-admin hash-key --key "s3cret-operator-key"
  chaser-admin hash-key --key "s3cret-operator-key" --cost 12
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *key == "" {
		fmt.Printf("Error: --key is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Printf("Error: --cost must be between %d and %d\n\n", bcrypt.MinCost, bcrypt.MaxCost)
		fs.Usage()
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*key), *cost)
	if err != nil {
		log.Fatalf("Failed to hash key: %v", err)
	}

	fmt.Printf("%s\n\n", hash)
	fmt.Println("Put this under [api] in the configuration file:")
	fmt.Printf("  api_key_hash = %q\n", hash)
}
