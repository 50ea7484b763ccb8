package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// exportLine is one NDJSON line. The first line of a segment carries the
// segment's genesis hash so segments can be chained back together on import.
type exportLine struct {
	SignedEntry
	GenesisHash string `json:"genesisHash,omitempty"`
}

// Export writes the whole chain as newline-delimited JSON in insertion order.
func (l *Log) Export(ctx context.Context, w io.Writer) error {
	l.mu.RLock()
	snapshot := l.entries
	genesis := l.genesis
	l.mu.RUnlock()

	return writeSegment(w, snapshot, genesis)
}

func writeSegment(w io.Writer, entries []*SignedEntry, genesis string) error {
	writer := bufio.NewWriter(w)
	for i, entry := range entries {
		line := exportLine{SignedEntry: *entry}
		if i == 0 {
			line.GenesisHash = genesis
		}
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("audit: marshal export line: %w", err)
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("audit: write export line: %w", err)
		}
	}
	return writer.Flush()
}

// Import replaces the current chain with the entries read from r, but only
// after the imported chain verifies end to end. On any verification failure
// the current state is untouched and ErrImportInvalid is returned.
func (l *Log) Import(ctx context.Context, r io.Reader) error {
	var entries []*SignedEntry
	genesis := GenesisHash

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line exportLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("audit: parse import line: %w", err)
		}
		if len(entries) == 0 && line.GenesisHash != "" {
			genesis = line.GenesisHash
		}
		entry := line.SignedEntry
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: read import: %w", err)
	}

	report, err := l.verifyEntries(ctx, entries, genesis)
	if err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("%w: %d of %d entries failed",
			ErrImportInvalid, report.FailedEntries, report.TotalEntries)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.storage.Replace(ctx, entries); err != nil {
		return err
	}
	l.entries = entries
	l.genesis = genesis
	l.last = genesis
	if len(entries) > 0 {
		l.last = entries[len(entries)-1].Signature
	}
	return nil
}
