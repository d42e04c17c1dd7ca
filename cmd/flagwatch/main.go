// Command flagwatch keeps a live view of one organization's feature flags
// through the client synchronizer and prints it whenever it changes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fixora/flagsync/infrastructure/service/logger"
	"github.com/fixora/flagsync/pkg/flagsync"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", getenvDefault("FLAGSYNC_URL", "http://localhost:8080"), "service base URL")
	org := flag.String("org", os.Getenv("FLAGSYNC_ORG"), "organization id")
	token := flag.String("token", os.Getenv("FLAGSYNC_TOKEN"), "access token")
	toggle := flag.String("toggle", "", "flip this flag once the list is loaded")
	asJSON := flag.Bool("json", false, "print snapshots as JSON lines")
	once := flag.Bool("once", false, "print the first full snapshot and exit")
	flag.Parse()

	if *org == "" || *token == "" {
		log.Fatal("-org and -token (or FLAGSYNC_ORG and FLAGSYNC_TOKEN) are required")
	}

	lg := logger.NewStructuredLogger(logger.LoggerConfig{
		Level:       getenvDefault("LOG_LEVEL", "warn"),
		Format:      "text",
		ServiceName: "flagwatch",
		Output:      os.Stderr,
	})

	transport := flagsync.NewHTTPTransport(*baseURL, *token, &http.Client{Timeout: 10 * time.Second})
	syncer, err := flagsync.NewSynchronizer(transport, flagsync.Config{
		OrganizationID: *org,
		Logger:         lg,
	})
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- syncer.Run(ctx) }()

	toggled := *toggle == ""
	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				log.Fatalf("synchronizer stopped: %v", err)
			}
			return
		case <-syncer.Changes():
		}

		snap := syncer.Snapshot()
		if !snap.Ready {
			continue
		}
		if !toggled {
			toggled = true
			if err := syncer.Toggle(*toggle); err != nil {
				log.Fatalf("toggle %s: %v", *toggle, err)
			}
			snap = syncer.Snapshot()
		}

		if err := render(os.Stdout, snap, *asJSON); err != nil {
			log.Fatalf("render: %v", err)
		}
		if *once && !snap.Degraded {
			syncer.Wait()
			stop()
		}
	}
}

// render prints snap grouped by category, or as one JSON line
func render(w io.Writer, snap flagsync.Snapshot, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(snap)
	}

	status := "live"
	if snap.Degraded {
		status = "reconnecting"
	}
	fmt.Fprintf(w, "== %s  %d/%d enabled  [%s]\n", snap.OrganizationID, snap.EnabledCount(), len(snap.Flags), status)

	groups := flagsync.GroupByCategory(snap.Flags)
	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, c := range categories {
		fmt.Fprintf(w, "%s\n", c)
		for _, f := range groups[c] {
			mark := "off"
			if f.IsEnabled {
				mark = "ON "
			}
			line := fmt.Sprintf("  [%s] %-28s v%-4d %s", mark, f.Key, f.Version, f.State)
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
