package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/acme/failover-dialer/internal/domain"
)

// IdentitySource reads a JSON object whose keys are caller-ID identities.
// Values are ignored.
type IdentitySource struct {
	path string
}

// NewIdentitySource constructs a file backed identity pool.
func NewIdentitySource(path string) *IdentitySource {
	return &IdentitySource{path: path}
}

// Load parses the identity mapping.
func (s *IdentitySource) Load(_ context.Context) (domain.IdentityPool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return domain.IdentityPool{}, fmt.Errorf("file identities: read %s: %w", s.path, err)
	}

	var mapping map[string]json.RawMessage
	if err := json.Unmarshal(data, &mapping); err != nil {
		return domain.IdentityPool{}, fmt.Errorf("file identities: decode %s: %w", s.path, err)
	}
	return domain.NewIdentityPool(mapping), nil
}
