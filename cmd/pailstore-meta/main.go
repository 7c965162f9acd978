// Package main is the entry point for pailstore-meta, a maintenance tool
// that moves PailStore metadata between SQLite and a JSON snapshot.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pailstore/pailstore/internal/config"
	"github.com/pailstore/pailstore/internal/serialization"
)

func usage() {
	fmt.Fprintf(os.Stderr, `pailstore-meta moves PailStore metadata between SQLite and JSON.

Usage:
  pailstore-meta export [-config FILE] [-db PATH] [-o FILE] [-tables a,b] [-include-credentials]
  pailstore-meta import [-config FILE] [-db PATH] [-i FILE] [-replace]

export writes a JSON snapshot of the metadata database to stdout (or -o).
Secret keys are redacted unless -include-credentials is given.

import reads a snapshot from stdin (or -i) and inserts its rows. Existing
rows win unless -replace is given, which clears each table first.

Tables: %s
`, strings.Join(serialization.AllTables, ", "))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var rc int
	switch os.Args[1] {
	case "export":
		rc = runExport(os.Args[2:])
	case "import":
		rc = runImport(os.Args[2:])
	case "help", "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "pailstore-meta: unknown command %q\n\n", os.Args[1])
		usage()
		rc = 2
	}
	os.Exit(rc)
}

// databasePath resolves the SQLite path: an explicit -db flag wins,
// otherwise the config file (which falls back to its defaults when absent).
func databasePath(dbFlag, configPath string) (string, error) {
	if dbFlag != "" {
		return dbFlag, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config %s: %w", configPath, err)
	}
	return cfg.Metadata.SQLite.Path, nil
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "pailstore-meta: %v\n", err)
	return 1
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "config file to read the database path from")
	dbFlag := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("o", "-", "output file, - for stdout")
	tablesFlag := fs.String("tables", "", "comma-separated subset of tables to export")
	includeCreds := fs.Bool("include-credentials", false, "export real secret keys instead of redacting them")
	fs.Parse(args)

	dbPath, err := databasePath(*dbFlag, *configPath)
	if err != nil {
		return fail(err)
	}

	tables := serialization.AllTables
	if *tablesFlag != "" {
		tables = nil
		known := make(map[string]bool, len(serialization.AllTables))
		for _, t := range serialization.AllTables {
			known[t] = true
		}
		for _, t := range strings.Split(*tablesFlag, ",") {
			t = strings.TrimSpace(t)
			if !known[t] {
				return fail(fmt.Errorf("unknown table %q (have: %s)", t, strings.Join(serialization.AllTables, ", ")))
			}
			tables = append(tables, t)
		}
	}

	snapshot, err := serialization.ExportMetadata(dbPath, &serialization.ExportOptions{
		Tables:             tables,
		IncludeCredentials: *includeCreds,
	})
	if err != nil {
		return fail(err)
	}

	if *output == "-" {
		fmt.Println(snapshot)
		return 0
	}
	if err := os.WriteFile(*output, []byte(snapshot+"\n"), 0o644); err != nil {
		return fail(err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "config file to read the database path from")
	dbFlag := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("i", "-", "input file, - for stdin")
	replace := fs.Bool("replace", false, "clear each table before inserting its rows")
	fs.Parse(args)

	dbPath, err := databasePath(*dbFlag, *configPath)
	if err != nil {
		return fail(err)
	}

	var snapshot []byte
	if *input == "-" {
		snapshot, err = io.ReadAll(os.Stdin)
	} else {
		snapshot, err = os.ReadFile(*input)
	}
	if err != nil {
		return fail(err)
	}

	result, err := serialization.ImportMetadata(dbPath, string(snapshot), &serialization.ImportOptions{
		Replace: *replace,
	})
	if err != nil {
		return fail(err)
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		line := fmt.Sprintf("%s: %d imported", table, count)
		if skipped := result.Skipped[table]; skipped > 0 {
			line += fmt.Sprintf(", %d skipped", skipped)
		}
		fmt.Fprintln(os.Stderr, line)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return 0
}
