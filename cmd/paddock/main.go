package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/dyluth/paddock/cmd/paddock/commands"
)

// Version information set by build flags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Optional .env with PADDOCK_REDIS_ADDR and friends; absence is fine.
	_ = godotenv.Load()

	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
