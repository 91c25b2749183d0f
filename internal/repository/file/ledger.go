package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/acme/failover-dialer/internal/domain"
)

// Ledger is an append-only text file with one destination per line.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// NewLedger constructs a file ledger. The file is created on first write.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Load reads every complete record. A trailing line without a newline is the
// remains of a torn write and is treated as absent.
func (l *Ledger) Load(_ context.Context) (*domain.Progress, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewProgress(nil), nil
		}
		return nil, fmt.Errorf("file ledger: read %s: %w", l.path, err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	// the final element is either empty or a partial record
	lines = lines[:len(lines)-1]

	records := make([]domain.Destination, 0, len(lines))
	for _, line := range lines {
		rec := strings.TrimSpace(string(line))
		if rec == "" {
			continue
		}
		records = append(records, domain.Destination(rec))
	}
	return domain.NewProgress(records), nil
}

// Record appends dest and flushes it to stable storage before returning.
func (l *Ledger) Record(_ context.Context, dest domain.Destination) error {
	rec := strings.TrimSpace(string(dest))
	if rec == "" || strings.ContainsAny(rec, "\r\n") {
		return fmt.Errorf("file ledger: invalid record %q", dest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file ledger: open %s: %w", l.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("file ledger: stat %s: %w", l.path, err)
	}

	line := rec + "\n"
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return fmt.Errorf("file ledger: inspect tail: %w", err)
		}
		if last[0] != '\n' {
			// terminate the torn tail so the new record starts on its own line
			line = "\n" + line
		}
	}

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("file ledger: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("file ledger: sync: %w", err)
	}
	return nil
}
