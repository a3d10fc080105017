// Migrate applies or rolls back the embedded SQL migrations. Usage: go run ./cmd/migrate -direction up
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/devtizi/city-cab/internal/config"
	"github.com/devtizi/city-cab/internal/db/migrate"
	"github.com/devtizi/city-cab/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		logger.Error("migrate failed", "direction", *direction, "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied", "direction", *direction)
}
