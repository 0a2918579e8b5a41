package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/harun/autopilot/internal/cli"
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
