package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/statuslist"
)

// runStatus handles the status-list lifecycle subcommands.
func runStatus(args []string, stdout, stderr io.Writer) int {
	sub := args[0]

	fs := flag.NewFlagSet("status "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config YAML")
	listID := fs.String("list", "", "status list id")
	index := fs.Int("index", -1, "status list index")
	length := fs.Int("length", 0, "list length (init)")
	purpose := fs.String("purpose", "revocation", "list purpose: revocation|suspension")
	actor := fs.String("actor", "cli", "acting identity")
	reason := fs.String("reason", "", "revocation reason")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *listID == "" {
		_, _ = fmt.Fprintln(stderr, "status: -list is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	ctx := context.Background()
	w, err := buildCore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	defer w.Cleanup()
	c := w.Core

	// Every subcommand needs the list loaded; init creates it when absent.
	// InitializeList is idempotent either way.
	initLength := cfg.StatusList.DefaultLength
	if *length > 0 {
		initLength = *length
	}
	if err := w.Lists.InitializeList(ctx, *listID, statuslist.Params{
		Purpose: statuslist.Purpose(*purpose),
		Length:  initLength,
		Issuer:  cfg.StatusList.Issuer,
		BaseURL: cfg.StatusList.BaseURL,
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}

	switch sub {
	case "init":
		_, _ = fmt.Fprintf(stdout, "initialized list %s\n", *listID)
		return 0

	case "allocate":
		entry, err := c.IssueStatus(ctx, *listID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "status allocate: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, entry)

	case "revoke", "unrevoke":
		if *index < 0 {
			_, _ = fmt.Fprintln(stderr, "status: -index is required")
			return 2
		}
		err := c.SetStatus(ctx, *listID, *index, sub == "revoke", *actor, *reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "status %s: %v\n", sub, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "%s index %d on list %s\n", sub+"d", *index, *listID)
		return 0

	case "check":
		if *index < 0 {
			_, _ = fmt.Fprintln(stderr, "status: -index is required")
			return 2
		}
		result, err := c.CheckStatus(ctx, *listID, *index)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "status check: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, result)

	case "credential":
		cred, err := c.EmitStatusCredential(ctx, *listID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "status credential: %v\n", err)
			return 1
		}
		return printJSON(stdout, stderr, cred)

	default:
		_, _ = fmt.Fprintf(stderr, "status: unknown subcommand %q\n", sub)
		return 2
	}
}

func printJSON(stdout, stderr io.Writer, v any) int {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
