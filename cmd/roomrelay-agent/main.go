// roomrelay-agent joins a room on a roomrelay server and runs the presets
// the room asks for.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/roomrelay/internal/agent"
	"github.com/markus-barta/roomrelay/internal/config"
	"github.com/markus-barta/roomrelay/internal/logging"
	"github.com/markus-barta/roomrelay/internal/version"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("roomrelay-agent %s\n", version.Info())
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	cfg, err := config.LoadAgentConfig(config.NewAgent())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, "console")

	log.Info().
		Str("version", version.Info()).
		Str("url", cfg.URL).
		Msg("roomrelay agent starting")

	a := agent.New(cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: roomrelay-agent [options]

roomrelay agent %s - runs presets requested in a roomrelay room.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  ROOMRELAY_URL           Relay WebSocket URL, e.g. wss://relay.example/ws (required)
  ROOMRELAY_TOKEN         Access token from a previous claim
  ROOMRELAY_SERVER        Relay HTTP base URL (to claim when no token is set)
  ROOMRELAY_ROOM          Room id to claim
  ROOMRELAY_ROOM_SECRET   Room secret to claim with
  ROOMRELAY_CLIENT_ID     Client id to claim as (default: hostname)
  ROOMRELAY_SHELL         Shell for presets without args (default: /bin/sh)
  ROOMRELAY_OUTPUT_DIR    Keep each execution's output in this directory
  ROOMRELAY_LOG_LEVEL     Log level: debug, info, warn, error
`, version.Info())
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadAgentConfig(config.NewAgent())
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Relay:       %s\n", cfg.URL)
	fmt.Printf("  Client ID:   %s\n", cfg.ClientID)
	if cfg.NeedsClaim() {
		fmt.Printf("  Claim room:  %s via %s\n", cfg.Room, cfg.Server)
	}
	fmt.Printf("  Shell:       %s\n", cfg.Shell)
	if cfg.OutputDir != "" {
		fmt.Printf("  Output dir:  %s\n", cfg.OutputDir)
	}
	fmt.Println()

	fmt.Print("Testing relay connectivity... ")

	// Convert WebSocket URL to HTTP for health check
	httpURL := cfg.URL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws") + "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
