// Package main provides a CLI tool for provisioning relay accounts.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/driftworks/relay/internal/accounts"
	"github.com/driftworks/relay/internal/config"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	name := flag.String("name", "", "display name for the new account (required)")
	token := flag.String("token", "", "login token; generated when omitted")
	flag.Parse()

	if *name == "" {
		flag.Usage()
		os.Exit(1)
	}

	generated := false
	if *token == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			log.Fatalf("generating token: %v", err)
		}
		*token = hex.EncodeToString(buf)
		generated = true
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := accounts.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := accounts.NewRepository(pool.DB())

	acct, err := repo.Create(ctx, *name, *token)
	if err != nil {
		log.Fatalf("creating account %q: %v", *name, err)
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stdout, "created account %s (#%d) [%s]\n", acct.DisplayName, acct.ID, elapsed)
	if generated {
		fmt.Fprintf(os.Stdout, "token: %s\n", *token)
	}
}
