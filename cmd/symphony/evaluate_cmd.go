package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/envelope"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/oracle"
)

// runEvaluate reads a trust context (or a request envelope) from a JSON file,
// evaluates it, and prints the verdict.
func runEvaluate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	contextPath := fs.String("context", "", "path to trust context JSON")
	envelopePath := fs.String("envelope", "", "path to request envelope JSON")
	configPath := fs.String("config", "", "path to config YAML")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*contextPath == "") == (*envelopePath == "") {
		_, _ = fmt.Fprintln(stderr, "evaluate: exactly one of -context or -envelope is required")
		return 2
	}

	var tc oracle.Context
	if *contextPath != "" {
		raw, err := os.ReadFile(*contextPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
			return 1
		}
		if err := json.Unmarshal(raw, &tc); err != nil {
			_, _ = fmt.Fprintf(stderr, "evaluate: parse context: %v\n", err)
			return 1
		}
	} else {
		raw, err := os.ReadFile(*envelopePath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
			return 1
		}
		env, err := envelope.ParseEnvelope(raw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
			return 1
		}
		// The CLI has no bond registry; an envelope evaluation runs bondless
		// and the verdict reflects that.
		tc = *env.TrustContext(nil, true)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return 1
	}

	w, err := buildCore(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return 1
	}
	defer w.Cleanup()

	verdict, err := w.Core.Evaluate(context.Background(), &tc)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return 1
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(verdict); err != nil {
		_, _ = fmt.Fprintf(stderr, "evaluate: %v\n", err)
		return 1
	}
	if verdict.Recommendation == oracle.RecommendBlock {
		return 3
	}
	return 0
}
