// Package main is the command line front end of the optimizer. It loads a
// store and case from a snapshot archive, runs the solve, and prints the
// resulting allocation with its diagnostics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/portopt/config"
	"github.com/aristath/portopt/persist"
	"github.com/aristath/portopt/solve"
)

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func main() {
	var (
		archivePath = flag.String("archive", "", "path to the snapshot archive")
		snapshot    = flag.String("snapshot", "", "snapshot name to solve")
		list        = flag.Bool("list", false, "list snapshots in the archive and exit")
		timeout     = flag.Duration("timeout", time.Minute, "solve deadline")
	)
	flag.Parse()

	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	if *archivePath == "" {
		log.Fatal().Msg("-archive is required")
	}

	archive, err := persist.Open(*archivePath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", *archivePath).Msg("Failed to open archive")
	}
	defer archive.Close()

	if *list {
		names, err := archive.Snapshots()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list snapshots")
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	if *snapshot == "" {
		log.Fatal().Msg("-snapshot is required")
	}

	_, c, err := archive.Load(*snapshot, log)
	if err != nil {
		log.Fatal().Err(err).Str("snapshot", *snapshot).Msg("Failed to load snapshot")
	}
	if c == nil {
		log.Fatal().Str("snapshot", *snapshot).Msg("Snapshot holds no case to solve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	out, err := solve.New(c, cfg, log).Optimize(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Solve failed")
	}

	printOutput(out)
	if !out.Optimal() {
		os.Exit(1)
	}
}

func printOutput(out *solve.Output) {
	fmt.Printf("status:   %s\n", out.Status())
	fmt.Printf("utility:  %.6f\n", out.Utility())
	fmt.Printf("risk:     %.6f\n", out.Risk())
	fmt.Printf("return:   %.6f\n", out.Return())
	fmt.Printf("turnover: %.6f\n", out.Turnover())
	fmt.Printf("runtime:  %s (%d iterations)\n", out.Runtime(), out.Iterations())

	for _, v := range out.Violations() {
		fmt.Printf("violated: %s by %.6f\n", v.RowID, v.Amount)
	}
	for _, id := range out.RelaxedConstraints() {
		fmt.Printf("relaxed:  %s\n", id)
	}

	for _, sm := range out.Slices() {
		fmt.Printf("\naccount %d, period %d:\n", sm.Key.Account, sm.Key.Period)
		ids := make([]string, 0, len(sm.Weights))
		for id := range sm.Weights {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %-12s %9.4f\n", id, sm.Weights[id])
		}
	}

	if trades := out.TradeList(); len(trades) > 0 {
		fmt.Println("\ntrades:")
		for _, tr := range trades {
			fmt.Printf("  %-5s %-12s %9.4f -> %9.4f", tr.Type, tr.AssetID, tr.InitialWeight, tr.FinalWeight)
			if tr.TradedShares != 0 {
				fmt.Printf("  (%+.0f shares)", tr.TradedShares)
			}
			fmt.Println()
		}
	}
}
