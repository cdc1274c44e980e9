package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/medibook/medibook/backend/booking-service/internal/database"
	"github.com/medibook/medibook/backend/booking-service/pkg/logger"
)

// usage: migrate [up | down [steps]]
func main() {
	_ = godotenv.Load()
	logger.Init(os.Getenv("LOG_LEVEL"))

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		logger.Fatalf("DATABASE_URL is required")
	}

	cmd, steps, err := parseArgs(os.Args[1:])
	if err != nil {
		logger.Fatalf("%v", err)
	}
	switch cmd {
	case "up":
		err = database.RunMigrations(url)
	case "down":
		err = database.RollbackMigrations(url, steps)
	}
	if err != nil {
		logger.Fatalf("migrate %s: %v", cmd, err)
	}
	logger.Infof("migrate %s: done", cmd)
}

func parseArgs(args []string) (string, int, error) {
	if len(args) == 0 {
		return "up", 0, nil
	}
	switch args[0] {
	case "up":
		return "up", 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return "", 0, fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		return "down", steps, nil
	}
	return "", 0, fmt.Errorf("unknown command %q (want up or down)", args[0])
}
