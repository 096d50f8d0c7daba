// ABOUTME: Minimal entrypoint exercising the core's Initialize /
// ABOUTME: DeleteAllData surface from the command line.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	whitenoise "github.com/whitenoise/core"
	"github.com/whitenoise/core/internal/config"
)

func main() {
	var (
		dataDir    = flag.String("data-dir", defaultDir("data"), "directory holding the database, MLS state, and media cache")
		logsDir    = flag.String("logs-dir", defaultDir("logs"), "directory for log files")
		configPath = flag.String("config", "", "optional YAML config file")
		wipe       = flag.Bool("wipe", false, "delete all data and exit")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	w, err := whitenoise.InitializeWithConfig(*dataDir, *logsDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing core: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	if *wipe {
		if err := w.DeleteAllData(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "wiping data: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("all data deleted")
		return
	}

	fmt.Printf("whitenoise core initialized at %s\n", *dataDir)
}

func defaultDir(sub string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "whitenoise", sub)
	}
	return filepath.Join(home, ".whitenoise", sub)
}
