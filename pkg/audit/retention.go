package audit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArchiveSink receives retired chain segments. Implementations exist for the
// local filesystem, S3, and GCS.
type ArchiveSink interface {
	Store(ctx context.Context, name string, data []byte) error
}

// Archive moves every entry older than the retention window into a new
// archive segment written to the sink. The archived prefix keeps its own
// genesis anchor, and the live chain's new genesis is the last archived
// signature, so verification works across segments. Entries are never
// deleted in place; archiving is the only way they leave the live chain.
func (l *Log) Archive(ctx context.Context, retention time.Duration, sink ArchiveSink) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-retention)
	n := 0
	for _, entry := range l.entries {
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("audit: entry %s has malformed timestamp: %w", entry.ID, err)
		}
		if !ts.Before(cutoff) {
			break
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}

	archived := l.entries[:n]
	remaining := l.entries[n:]

	var buf bytes.Buffer
	if err := writeSegment(&buf, archived, l.genesis); err != nil {
		return 0, err
	}

	name := fmt.Sprintf("audit-segment-%s-%d.ndjson",
		l.now().Format("20060102T150405Z"), n)
	if err := sink.Store(ctx, name, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("audit: store archive segment: %w", err)
	}

	newGenesis := archived[n-1].Signature
	if err := l.storage.Replace(ctx, remaining); err != nil {
		return 0, err
	}
	l.entries = remaining
	l.genesis = newGenesis
	if len(remaining) == 0 {
		l.last = newGenesis
	}
	return n, nil
}

// FileSink writes archive segments to a directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("audit: create archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (f *FileSink) Store(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.dir, filepath.Base(name)), data, 0o600)
}
