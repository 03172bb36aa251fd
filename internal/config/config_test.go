package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anchord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Anchoring.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Anchoring.BaseDelay)
	assert.Equal(t, "0 */5 * * * *", cfg.Anchoring.ReconcileSchedule)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Database.URL)

	// No contract and no signing key means mock mode.
	assert.True(t, cfg.MockMode())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
ledger:
  rpc_url: https://rpc.example
  chain_id: 137
  verification_contract: "0x00000000000000000000000000000000000000aa"
  signing_key_ref: env:ANCHORD_KEY
  explorer_base_url: https://polygonscan.com
gas:
  min_price_gwei: 5
  max_price_gwei: 500
anchoring:
  max_attempts: 5
  max_delay: 1m
notify:
  urls: ["https://hooks.example/a", "https://hooks.example/b"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.MockMode())

	lc := cfg.LedgerConfig()
	assert.Equal(t, "https://rpc.example", lc.RPCURL)
	assert.Equal(t, int64(137), lc.ChainID)
	assert.Equal(t, "env:ANCHORD_KEY", lc.SigningKeyRef)

	gc := cfg.GasConfig()
	assert.Equal(t, 0, gc.MinPrice.Cmp(big.NewInt(5_000_000_000)))
	assert.Equal(t, 0, gc.MaxPrice.Cmp(big.NewInt(500_000_000_000)))
	assert.Equal(t, 50, gc.MaxBatchSize)

	ac := cfg.AnchoringConfig()
	assert.Equal(t, 5, ac.MaxAttempts)
	assert.Equal(t, time.Minute, ac.MaxDelay)
	assert.Equal(t, "https://polygonscan.com", ac.ExplorerBaseURL)

	nc := cfg.NotifyConfig()
	assert.Len(t, nc.URLs, 2)
	assert.Equal(t, 10*time.Second, nc.Timeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "log:\n  level: info\n")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LEDGER_MOCK", "true")
	t.Setenv("HEALTH_FAIL_THRESHOLD", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Ledger.Mock)
	assert.Equal(t, 7, cfg.HealthConfig().FailThreshold)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		error string
	}{
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"inverted gas bounds", "gas:\n  min_price_gwei: 300\n  max_price_gwei: 10\n", "gas.min_price_gwei"},
		{"zero attempts", "anchoring:\n  max_attempts: 0\n", "max_attempts"},
		{"live mode without rpc", "ledger:\n  rpc_url: \"\"\n  verification_contract: \"0x00000000000000000000000000000000000000aa\"\n  signing_key_ref: env:K\n", "rpc_url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.error)
		})
	}
}
