package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/datatalk/datatalk/internal/config"
	"github.com/datatalk/datatalk/internal/migrations"
	sessionpostgres "github.com/datatalk/datatalk/internal/session/postgres"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("datatalk-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Sessions.DSN == "" {
		fmt.Fprintln(os.Stderr, "DATATALK_SESSIONS_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sessionpostgres.Open(ctx, sessionpostgres.DBConfig{
		DSN:             cfg.Sessions.DSN,
		ApplicationName: "datatalk-migrate",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		applied, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", applied)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, item := range statuses {
			state := "pending"
			if item.Applied {
				state = "applied"
			}
			fmt.Printf("%06d %-30s %s\n", item.Version, item.Name, state)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
