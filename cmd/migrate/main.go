package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"warden.gg/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("WARDEN_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or WARDEN_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	runner := migrate.NewRunner(db, *migrationsPath, *seedsPath)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		n, err := runner.Up(ctx)
		if err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		log.Printf("applied %d migration(s)", n)
	case "down":
		mig, err := runner.Down(ctx)
		if err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Printf("rolled back %04d_%s", mig.Version, mig.Name)
	case "seed":
		n, err := runner.Seed(ctx)
		if err != nil {
			log.Fatalf("migrate seed: %v", err)
		}
		log.Printf("applied %d seed(s)", n)
	case "status":
		states, err := runner.Status(ctx)
		if err != nil {
			log.Fatalf("migrate status: %v", err)
		}
		for _, st := range states {
			if st.Applied {
				fmt.Printf("%04d_%s\tapplied %s\n", st.Version, st.Name, st.AppliedAt.Format(time.RFC3339))
			} else {
				fmt.Printf("%04d_%s\tpending\n", st.Version, st.Name)
			}
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}
