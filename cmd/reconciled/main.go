package main

import (
	"log"

	"github.com/joho/godotenv"

	"chainsettle/services/reconciled"
)

func main() {
	// Local secrets (RECONCILED_*, OTEL_*) may live in a .env file; absence is fine.
	_ = godotenv.Load()
	if err := reconciled.Main(); err != nil {
		log.Fatalf("reconciled: %v", err)
	}
}
