package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/bootstrap"
	"github.com/johnfmorton/upload-drive-in-sub011/internal/config"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("connection-health-engine %s\n", version)
		os.Exit(0)
	}

	cfg := config.Load()

	if err := bootstrap.Run(context.Background(), cfg); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
}
