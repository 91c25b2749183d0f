package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// PauseGate treats the presence of a marker file as "paused".
type PauseGate struct {
	path string
}

// NewPauseGate constructs a marker-file pause gate.
func NewPauseGate(path string) *PauseGate {
	return &PauseGate{path: path}
}

// IsPaused reports whether the marker exists.
func (g *PauseGate) IsPaused(_ context.Context) bool {
	_, err := os.Stat(g.path)
	return err == nil
}

// Pause creates the marker.
func (g *PauseGate) Pause(_ context.Context) error {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("file pause: create marker: %w", err)
	}
	return f.Close()
}

// Resume removes the marker. A missing marker is not an error.
func (g *PauseGate) Resume(_ context.Context) error {
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file pause: remove marker: %w", err)
	}
	return nil
}
