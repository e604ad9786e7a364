// Command mnemo runs the memory engine daemon and its one-shot commands.
//
// Full-text search needs SQLite's FTS5 module:
//
//	go build -tags sqlite_fts5 ./cmd/mnemo
package main

import (
	"os"

	"github.com/harun/mnemo/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
