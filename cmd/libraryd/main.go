/*
main.go - libraryd entry point

PURPOSE:
  Command-line front end for the lending library. One binary serves the
  HTTP API, seeds demo data and runs consistency audits.

COMMANDS:
  serve   Start the HTTP API (and the background auditor)
  seed    Create demo members and books, borrowing a share of them
  audit   Compare every book's cached state with the ledger once

GLOBAL FLAGS:
  --config     YAML config file (default: library.yaml, optional)
  --driver     Storage driver: memory, sqlite, postgres
  --db         SQLite database path (":memory:" for in-memory)
  --dsn        PostgreSQL connection string
  --log-level  debug, info, warn, error

  Flags override the config file and the environment (see config/config.go).

EXAMPLES:
  # Run on a file database
  libraryd serve --db ./data/library.db

  # Run against PostgreSQL on another port
  libraryd serve --driver postgres --dsn postgres://library@localhost/library --addr :3000

  # Seed, then check
  libraryd seed && libraryd audit

SEE ALSO:
  - serve.go, seed.go, audit.go: Command implementations
  - app.go: Config loading and store selection
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
