// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/callcore/internal/app"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcore v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callcore peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCLIPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Peer directory: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{PeerDir: absDir}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callcore - peer-to-peer audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callcore peer <peer-directory>   Run a peer; creates callcore.json on first start")
	fmt.Println("  callcore -version                Show version")
	fmt.Println("  callcore -h                      Show this help")
	fmt.Println()
	fmt.Println("The peer directory holds callcore.json and an optional .env with")
	fmt.Println("CALLCORE_USER_ID, CALLCORE_RELAY_URL, CALLCORE_HTTP_ADDR, CALLCORE_LOG_LEVEL.")
}
