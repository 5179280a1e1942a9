package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadServiceConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
listenAddress: ":9999"
rateLimitPerMinute: 30
clients:
  - key: alpha
    secret: alpha-secret
    address: "0x0000000000000000000000000000000000000001"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadServiceConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddress)
	require.Equal(t, 30, cfg.RateLimitPerMinute)
	require.EqualValues(t, 120, cfg.TimestampSkewSeconds)
	require.Len(t, cfg.AuthClients(), 1)
	require.Equal(t, "alpha", cfg.AuthClients()[0].Key)
}

func TestLoadServiceConfigRejectsInvalidClients(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing secret", "clients:\n  - key: alpha\n    address: \"0x0000000000000000000000000000000000000001\"\n"},
		{"bad address", "clients:\n  - key: alpha\n    secret: s\n    address: \"nope\"\n"},
		{"duplicate key", "clients:\n  - key: alpha\n    secret: s\n    address: \"0x0000000000000000000000000000000000000001\"\n  - key: alpha\n    secret: t\n    address: \"0x0000000000000000000000000000000000000002\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gateway.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o600))
			_, err := LoadServiceConfig(path)
			require.Error(t, err)
		})
	}
}
