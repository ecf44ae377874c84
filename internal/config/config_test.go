package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/tier"
)

const testKey = "0123456789abcdef0123"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_JWT_KEY", testKey)

	c, err := Load(filepath.Join(t.TempDir(), "missing.env"), nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", c.HTTPAddr)
	require.Equal(t, ":9090", c.GRPCAddr)
	require.Equal(t, 15*time.Minute, c.AccessTTL)
	require.Equal(t, 7*24*time.Hour, c.AccrualPeriod)
	require.Equal(t, 60, c.RateMax)
	require.Equal(t, 4, c.Worker().AccrueWorkers)

	_, ok := c.S3()
	require.False(t, ok)
}

func TestLoad_Precedence(t *testing.T) {
	env := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(env, []byte(
		"LEDGER_JWT_KEY="+testKey+"\nLEDGER_HTTP_ADDR=:7000\nLEDGER_RATE_MAX=5\nLEDGER_S3_BUCKET=archive\n",
	), 0o600))
	t.Setenv("LEDGER_HTTP_ADDR", ":7100")
	// godotenv sets variables the test did not; clear them afterwards.
	for _, k := range []string{"LEDGER_JWT_KEY", "LEDGER_RATE_MAX", "LEDGER_S3_BUCKET"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	c, err := Load(env, []string{"-accrual-period", "1h"})
	require.NoError(t, err)
	require.Equal(t, ":7100", c.HTTPAddr, "process env wins over .env")
	require.Equal(t, 5, c.RateMax)
	require.Equal(t, time.Hour, c.AccrualPeriod, "flags win over env")

	s3, ok := c.S3()
	require.True(t, ok)
	require.Equal(t, "archive", s3.Bucket)
	require.Equal(t, "us-east-1", s3.Region)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LEDGER_JWT_KEY", "short")
	_, err := Load("", nil)
	require.ErrorContains(t, err, "jwt key")

	t.Setenv("LEDGER_JWT_KEY", testKey)
	_, err = Load("", []string{"-no-such-flag"})
	require.Error(t, err)

	t.Setenv("LEDGER_RATE_WINDOW", "soon")
	_, err = Load("", nil)
	require.Error(t, err)
}

func TestLoadTiers(t *testing.T) {
	def, err := LoadTiers("")
	require.NoError(t, err)
	require.Equal(t, tier.Default().Levels(), def.Levels())

	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - tier: bronze
    threshold: 10
    rate_bps: 50
  - tier: gold
    threshold: 200
    rate_bps: 300
`), 0o600))
	tab, err := LoadTiers(path)
	require.NoError(t, err)
	require.Equal(t, model.TierBronze, tab.TierFor(10))
	require.Equal(t, model.TierBronze, tab.TierFor(199))
	require.Equal(t, model.TierGold, tab.TierFor(200))

	_, err = LoadTiers(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseTiers_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "tiers:\n  - tier: bronze\n    threshold: 10\n    bonus: 1\n",
		"empty":            "tiers: []\n",
		"bad order":        "tiers:\n  - {tier: gold, threshold: 10}\n  - {tier: bronze, threshold: 20}\n",
		"unknown tier":     "tiers:\n  - {tier: diamond, threshold: 10}\n",
		"not a tier table": "- 1\n- 2\n",
	}
	for name, doc := range cases {
		_, err := ParseTiers([]byte(doc))
		require.Error(t, err, name)
	}
}
