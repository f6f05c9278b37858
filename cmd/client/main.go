package main

import (
	"flag"
	"fmt"
	"os"

	"roomrelay/internal/app"
)

func main() {
	defaultServer := envOrDefault("RELAY_SERVER", "http://localhost:8080")
	defaultUser := envOrDefault("RELAY_USER", "")

	serverURL := flag.String("server", defaultServer, "relay server URL (e.g., http://localhost:8080)")
	username := flag.String("user", defaultUser, "display name")
	downloads := flag.String("downloads", envOrDefault("RELAY_DOWNLOAD_DIR", ""), "where received files are saved")
	flag.Parse()

	args := flag.Args()
	var roomKey string
	if len(args) >= 1 {
		roomKey = args[0]
	}

	cfg := app.ClientConfig{
		ServerURL:   *serverURL,
		RoomKey:     roomKey,
		Username:    *username,
		DownloadDir: *downloads,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
