package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/audit"
)

// runAudit handles chain verification, export, and retention archiving.
func runAudit(args []string, stdout, stderr io.Writer) int {
	sub := args[0]

	fs := flag.NewFlagSet("audit "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config YAML")
	outPath := fs.String("out", "", "export destination (default stdout)")
	days := fs.Int("days", 0, "retention window in days (default audit.retention_days)")
	archiveDir := fs.String("dir", "data/audit-archive", "archive segment directory")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}

	ctx := context.Background()
	w, err := buildCore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "audit: %v\n", err)
		return 1
	}
	defer w.Cleanup()

	switch sub {
	case "verify":
		report, err := w.Core.VerifyIntegrity(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit verify: %v\n", err)
			return 1
		}
		if code := printJSON(stdout, stderr, report); code != 0 {
			return code
		}
		if !report.Valid {
			return 3
		}
		return 0

	case "export":
		dest := stdout
		if *outPath != "" {
			file, err := os.Create(*outPath)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "audit export: %v\n", err)
				return 1
			}
			defer func() { _ = file.Close() }()
			dest = file
		}
		if err := w.Log.Export(ctx, dest); err != nil {
			_, _ = fmt.Fprintf(stderr, "audit export: %v\n", err)
			return 1
		}
		return 0

	case "archive":
		retentionDays := *days
		if retentionDays <= 0 {
			retentionDays = cfg.Audit.RetentionDays
		}
		if retentionDays <= 0 {
			_, _ = fmt.Fprintln(stderr, "audit archive: set -days or audit.retention_days")
			return 2
		}
		sink, err := audit.NewFileSink(*archiveDir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit archive: %v\n", err)
			return 1
		}
		n, err := w.Log.Archive(ctx, time.Duration(retentionDays)*24*time.Hour, sink)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "audit archive: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "archived %d entries\n", n)
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "audit: unknown subcommand %q\n", sub)
		return 2
	}
}
