package main

import (
	"github.com/joho/godotenv"

	"pattern-edge-learner/internal/cli"
)

func main() {
	// a missing .env is fine; real environment variables still apply
	_ = godotenv.Load()
	cli.Execute()
}
