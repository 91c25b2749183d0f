package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

const minimalConfig = `
chain:
  carriers:
    - name: telnyx
      address: "sofia/internal/{e164}@sip.telnyx.com"
    - name: anveo
      address: "sofia/gateway/anveo/{digits}"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, BackendFile, cfg.Campaign.Ledger.Backend)
	require.Equal(t, 10*time.Second, cfg.Campaign.PausedPoll)
	require.Equal(t, 60*time.Second, cfg.Campaign.IdleInterval)
	require.Equal(t, 10*time.Second, cfg.Campaign.Pacing.Min)
	require.Equal(t, 18*time.Second, cfg.Campaign.Pacing.Max)
	require.Equal(t, 6*time.Second, cfg.Chain.LegTimeout)
	require.Equal(t, "PCMU", cfg.Chain.Codec)
	require.Equal(t, "1", cfg.Chain.CountryCode)
	require.Equal(t, DriverFreeswitch, cfg.Switch.Driver)
	require.Len(t, cfg.Chain.Carriers, 2)
	require.Equal(t, "telnyx", cfg.Chain.Carriers[0].Name)
	require.False(t, cfg.UsesPostgres())
	require.False(t, cfg.UsesRedis())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DIALER_CAMPAIGN_LEDGER_BACKEND", "postgres")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.Campaign.Ledger.Backend)
	require.True(t, cfg.UsesPostgres())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"no carriers": `
chain:
  carriers: []
`,
		"address without placeholder": `
chain:
  carriers:
    - name: telnyx
      address: "sofia/internal/fixed@sip.telnyx.com"
`,
		"inverted pacing": minimalConfig + `
campaign:
  pacing:
    min: 20s
    max: 5s
`,
		"lease without ttl": minimalConfig + `
campaign:
  lease:
    enabled: true
    ttl: 0s
`,
		"unknown ledger backend": minimalConfig + `
campaign:
  ledger:
    backend: s3
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestLeaseEnablesRedis(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
campaign:
  name: spring
  lease:
    enabled: true
`))
	require.NoError(t, err)
	require.True(t, cfg.UsesRedis())
	require.Equal(t, 30*time.Second, cfg.Campaign.Lease.TTL)
	require.Equal(t, "dialer:lease", cfg.Campaign.Lease.Key)
	require.Equal(t, "failover-dialer", cfg.Telemetry.ServiceName)
}
