// Package main provides the TUI entry point for threatlens
package main

import (
	"flag"
	"fmt"
	"os"

	"threatlens/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		apiKey      string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "threatlens analyzer URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "threatlens analyzer URL (shorthand)")
	flag.StringVar(&apiKey, "api-key", os.Getenv("THREATLENS_API_KEY"), "API key sent with each request")
	flag.Parse()

	if showVersion {
		fmt.Printf("threatlens-tui %s\n", version)
		os.Exit(0)
	}

	// Print startup banner
	fmt.Println("Starting threatlens TUI...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	if err := tui.Run(serverURL, apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
