package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("OFFERSD_JWT_SECRET", "")
	t.Setenv("NHB_ENV", "")
	path := writeConfig(t, "offersd.yaml", `
listen: ":9000"
environment: dev
escrow_account: escrow.test
storage:
  backend: leveldb
  path: /tmp/offersd
auth:
  enabled: true
  secret: shh
  clock_skew: 30s
settlement:
  interval: 2s
offers:
  leg_b_policy: retain
  quota_per_epoch: 5
genesis:
  contracts:
    - name: x.token
      kind: ft
  balances:
    - contract: x.token
      account: alice
      amount: "100"
blocked_receivers:
  - bob/x.token
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "escrow.test", cfg.EscrowAccount)
	require.Equal(t, "leveldb", cfg.Storage.Backend)
	require.Equal(t, 30*time.Second, cfg.Auth.ClockSkew.Duration)
	require.Equal(t, 2*time.Second, cfg.Settlement.Interval.Duration)
	require.Equal(t, "retain", cfg.Offers.LegBPolicy)
	require.Equal(t, time.Hour, cfg.Offers.QuotaEpoch.Duration)
	require.Equal(t, uint64(100), cfg.Offers.MaxPageSize)
	require.Len(t, cfg.Genesis.Balances, 1)
	require.Equal(t, []string{"bob/x.token"}, cfg.BlockedReceivers)
}

func TestLoadTOML(t *testing.T) {
	t.Setenv("OFFERSD_JWT_SECRET", "")
	t.Setenv("NHB_ENV", "")
	path := writeConfig(t, "offersd.toml", `
listen = ":9100"
environment = "test"

[storage]
backend = "bolt"
path = "/tmp/offersd.db"

[settlement]
interval = "250ms"

[[genesis.tokens]]
contract = "art.nft"
token_id = "n1"
owner = "alice"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.ListenAddress)
	require.Equal(t, "bolt", cfg.Storage.Backend)
	require.Equal(t, 250*time.Millisecond, cfg.Settlement.Interval.Duration)
	require.Equal(t, "n1", cfg.Genesis.Tokens[0].TokenID)
	require.False(t, cfg.Auth.Enabled)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("OFFERSD_JWT_SECRET", "from-env")
	t.Setenv("NHB_ENV", "prod")
	t.Setenv("OFFERSD_INDEX_DRIVER", "postgres")
	t.Setenv("OFFERSD_INDEX_DSN", "postgres://offers@localhost/offers")
	path := writeConfig(t, "offersd.yaml", "auth:\n  enabled: true\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.Secret)
	require.Equal(t, "prod", cfg.Environment)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "postgres", cfg.Index.Driver)
	require.Equal(t, "postgres://offers@localhost/offers", cfg.Index.DSN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("OFFERSD_JWT_SECRET", "")
	t.Setenv("NHB_ENV", "")
	t.Setenv("OFFERSD_INDEX_DRIVER", "")
	cases := map[string]string{
		"missing path":    "environment: dev\nstorage:\n  backend: leveldb\n",
		"unknown backend": "environment: dev\nstorage:\n  backend: rocks\n",
		"missing secret":  "auth:\n  enabled: true\n",
		"auth off prod":   "environment: prod\n",
		"bad policy":      "environment: dev\noffers:\n  leg_b_policy: burn\n",
		"bad duration":    "environment: dev\nsettlement:\n  interval: soon\n",
		"bad driver":      "environment: dev\nindex:\n  driver: mysql\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "offersd.yaml", body))
			require.Error(t, err)
		})
	}
}
