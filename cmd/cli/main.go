package main

import (
	"fmt"
	"os"

	"github.com/chriskim2273/rccbackup/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	// load the .env file if it exists
	godotenv.Load()

	if err := config.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
