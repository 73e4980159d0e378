// Command parquedbctl is the operator CLI for a ParqueDB deployment: table
// provisioning for the Postgres storage backend and offline schema
// comparisons. Grounded on forma's cmd/tools/main.go, which dispatches
// flag.FlagSet subcommands ("generate-attributes", "init-db") off os.Args[1]
// the same way.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lychee-technology/parquedb"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init-postgres":
		if err := runInitPostgres(os.Args[2:]); err != nil {
			log.Fatalf("init-postgres: %v", err)
		}
	case "schema-diff":
		if err := runSchemaDiff(os.Args[2:]); err != nil {
			log.Fatalf("schema-diff: %v", err)
		}
	case "inline-schema":
		if err := runInlineSchema(os.Args[2:]); err != nil {
			log.Fatalf("inline-schema: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: parquedbctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init-postgres   Create the blob table the Postgres storage backend reads and writes")
	fmt.Println("  schema-diff     Compare two JSON schema snapshots and report breaking changes")
	fmt.Println("  inline-schema   Resolve $ref/$defs across files into one self-contained schema document")
}

func runInitPostgres(args []string) error {
	flags := flag.NewFlagSet("init-postgres", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: parquedbctl init-postgres [options]")
		fmt.Println()
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	dsn := flags.String("dsn", getenvDefault("PARQUEDB_POSTGRES_DSN", "postgres://postgres@localhost:5432/parquedb?sslmode=disable"), "postgres connection string")
	table := flags.String("table", getenvDefault("PARQUEDB_BLOB_TABLE", "parquedb_blobs"), "blob table name")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	return initPostgresTable(*dsn, *table)
}

func initPostgresTable(dsn, table string) error {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tableIdent := pgx.Identifier{table}.Sanitize()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		path       TEXT PRIMARY KEY,
		data       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, tableIdent)

	if _, err := tx.Exec(ctx, ddl); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create blob table: %w", err)
	}

	idxName := pgx.Identifier{table + "_path_prefix_idx"}.Sanitize()
	idxDDL := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (path text_pattern_ops)`, idxName, tableIdent)
	if _, err := tx.Exec(ctx, idxDDL); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("create prefix index: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	fmt.Printf("Created %s and its prefix index.\n", table)
	return nil
}

func runSchemaDiff(args []string) error {
	flags := flag.NewFlagSet("schema-diff", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: parquedbctl schema-diff -old <file> -new <file>")
		fmt.Println()
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	oldPath := flags.String("old", "", "path to the old schema JSON file")
	newPath := flags.String("new", "", "path to the new schema JSON file")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *oldPath == "" || *newPath == "" {
		return fmt.Errorf("both -old and -new must be provided")
	}

	oldSchema, err := loadSchema(*oldPath)
	if err != nil {
		return fmt.Errorf("load old schema: %w", err)
	}
	newSchema, err := loadSchema(*newPath)
	if err != nil {
		return fmt.Errorf("load new schema: %w", err)
	}

	diff := parquedb.DiffSchema(oldSchema, newSchema)

	encoded, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	fmt.Println(string(encoded))

	if diff.Breaking {
		os.Exit(2)
	}
	return nil
}

func loadSchema(path string) (*parquedb.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var schema parquedb.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
