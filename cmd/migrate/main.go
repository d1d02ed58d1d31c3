package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/acme/whatsapp-dispatch/internal/migration"
)

func main() {
	_ = godotenv.Load()

	cmd := migration.MigrateCommand(getEnv("CONFIG_FILE", "configs/config.yaml"))
	if err := cmd.Execute(); err != nil {
		fmt.Println("[ERROR]", err)
		os.Exit(1)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
