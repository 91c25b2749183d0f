package file

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/acme/failover-dialer/internal/domain"
)

// DestinationSource reads one destination per line from a text file.
type DestinationSource struct {
	path string
	mu   sync.Mutex
}

// NewDestinationSource constructs a file backed destination queue.
func NewDestinationSource(path string) *DestinationSource {
	return &DestinationSource{path: path}
}

// Load returns the non-blank lines of the file in order. Duplicates are kept.
func (s *DestinationSource) Load(ctx context.Context) ([]domain.Destination, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("file destinations: open %s: %w", s.path, err)
	}
	defer f.Close()

	var out []domain.Destination
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, domain.Destination(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("file destinations: read %s: %w", s.path, err)
	}
	return out, nil
}

// Append writes destinations to the end of the file, creating it if needed.
func (s *DestinationSource) Append(_ context.Context, dests []domain.Destination) error {
	if len(dests) == 0 {
		return nil
	}

	var b strings.Builder
	for _, d := range dests {
		line := strings.TrimSpace(string(d))
		if line == "" || strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("file destinations: invalid destination %q", d)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file destinations: open %s: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("file destinations: stat %s: %w", s.path, err)
	}
	out := b.String()
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return fmt.Errorf("file destinations: inspect tail: %w", err)
		}
		if last[0] != '\n' {
			out = "\n" + out
		}
	}

	if _, err := f.WriteString(out); err != nil {
		return fmt.Errorf("file destinations: append: %w", err)
	}
	return f.Sync()
}
