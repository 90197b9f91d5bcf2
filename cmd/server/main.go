package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"agora/internal/config"
	"agora/internal/logging"
	"agora/internal/server"
	"agora/internal/store"
)

func printStats(st store.Store) error {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	top, err := st.TopFiles(ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to get top files: %w", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            Agora Statistics              ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Downloads:       %-23d║\n", stats.TotalDownloads)
	fmt.Printf("║  ├─ Paid:         %-23d║\n", stats.PaidDownloads)
	fmt.Printf("║  └─ Free:         %-23d║\n", stats.FreeDownloads)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Bytes Served:    %-23s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Printf("║  └─ Paid:         %-23s║\n", humanize.IBytes(uint64(stats.PaidBytes)))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.FirstDownload.IsZero() {
		fmt.Printf("║  First Download:  %-23s║\n", stats.FirstDownload.Format("2006-01-02 15:04"))
		fmt.Printf("║  Last Download:   %-23s║\n", stats.LastDownload.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No downloads in database                ║")
	}
	if len(stats.DailyStats) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Println("║  Downloads (last 14 days)                ║")
		fmt.Println("║  ──────────────────────────────────────  ║")
		for _, ds := range stats.DailyStats {
			fmt.Printf("║  %s: %4d (%4d paid) %9s  ║\n", ds.Date, ds.Downloads, ds.PaidDownloads, humanize.IBytes(uint64(ds.Bytes)))
		}
	}
	if len(top) > 0 {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Println("║  Top Files                               ║")
		fmt.Println("║  ──────────────────────────────────────  ║")
		for _, f := range top {
			name := []rune(f.Path)
			if len(name) > 20 {
				name = append([]rune("…"), name[len(name)-19:]...)
			}
			fmt.Printf("║  %-20s %5d  %10s  ║\n", string(name), f.Downloads, humanize.IBytes(uint64(f.Bytes)))
		}
	}
	fmt.Println("╚══════════════════════════════════════════╝")
	return nil
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(os.Stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer log.Sync()

	// Initialize store
	var history store.Store
	if cfg.DBPath != "" {
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			log.Internal.Fatalf("failed to open database: %v", err)
		}
		defer st.Close()
		history = st
	}

	// Show stats and exit if requested
	if cfg.Stats {
		if err := printStats(history); err != nil {
			log.Internal.Fatal(err)
		}
		return
	}

	srv, err := server.New(cfg, log, history)
	if err != nil {
		log.Internal.Fatalf("failed to start: %v", err)
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Internal.Fatalf("server error: %v", err)
	}
}
