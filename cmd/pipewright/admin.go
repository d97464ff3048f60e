package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/pipewright/pipewright/internal/adapter/natskv"
	pwnats "github.com/pipewright/pipewright/internal/adapter/nats"
	"github.com/pipewright/pipewright/internal/adapter/postgres"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/domain/workflow"
	"github.com/pipewright/pipewright/internal/port/checkpoint"
)

// runAdmin dispatches `pipewright admin <subcommand>`.
func runAdmin(args []string) error {
	if len(args) == 0 {
		printAdminHelp()
		return fmt.Errorf("admin subcommand required")
	}

	switch args[0] {
	case "gen-key":
		return adminGenKey(args[1:])
	case "list-runs":
		return adminListRuns(args[1:])
	case "migrate":
		return adminMigrate()
	case "help":
		printAdminHelp()
		return nil
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin subcommand %q", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintln(os.Stderr, `Usage: pipewright admin <subcommand>

Subcommands:
  gen-key    Generate an API key and its bcrypt hash for auth configuration
  list-runs  List workflow runs from the configured store
  migrate    Apply pending database migrations
  help       Show this help`)
}

// adminGenKey prints a fresh API key and the bcrypt hash to configure the
// server with. With -prompt the key is read from the terminal instead, and
// only the hash is printed.
func adminGenKey(args []string) error {
	fs := flag.NewFlagSet("gen-key", flag.ContinueOnError)
	prompt := fs.Bool("prompt", false, "hash a key typed at the terminal instead of generating one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var key string
	if *prompt {
		k, err := promptKey()
		if err != nil {
			return err
		}
		key = k
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		key = hex.EncodeToString(buf)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	if !*prompt {
		fmt.Printf("API key:  %s\n", key)
	}
	fmt.Printf("Key hash: %s\n", hash)
	fmt.Println()
	fmt.Println("Set PIPEWRIGHT_AUTH_ENABLED=true and PIPEWRIGHT_API_KEY_HASH to the hash above.")
	return nil
}

func promptKey() (string, error) {
	fmt.Fprint(os.Stderr, "API key: ")
	key, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // windows needs the conversion
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}

	fmt.Fprint(os.Stderr, "Confirm: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // windows needs the conversion
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}

	if string(key) != string(confirm) {
		return "", fmt.Errorf("keys do not match")
	}
	if len(key) == 0 {
		return "", fmt.Errorf("key must not be empty")
	}
	return string(key), nil
}

// adminListRuns prints runs from the configured persistent store.
func adminListRuns(args []string) error {
	fs := flag.NewFlagSet("list-runs", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (running, pending, complete, aborted)")
	limit := fs.Int("limit", 50, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, cleanup, err := openAdminStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runs, err := store.List(ctx, checkpoint.Filter{
		Status: workflow.Status(*status),
		Limit:  *limit,
	})
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD ID\tSTATUS\tSTAGE\tPENDING\tUPDATED")
	for i := range runs {
		r := &runs[i]
		pending := "-"
		if r.PendingApproval {
			pending = string(r.PendingReason)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ThreadID, r.Status, r.CurrentStage, pending,
			r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// adminMigrate applies pending migrations against the configured database.
func adminMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}

// openAdminStore opens the checkpoint store named by the configuration.
// The memory backend holds no state outside a server process, so admin
// commands reject it.
func openAdminStore(ctx context.Context) (checkpoint.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil

	case "natskv":
		nconn, err := pwnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		kv, err := nconn.KeyValue(ctx, cfg.NATS.KVBucket, 0)
		if err != nil {
			_ = nconn.Close()
			return nil, nil, fmt.Errorf("nats kv bucket: %w", err)
		}
		return natskv.New(kv), func() { _ = nconn.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("store backend %q holds no persistent runs; use postgres or natskv", cfg.Store.Backend)
	}
}
