package reconciled

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
listen: ":9000"
database:
  driver: sqlite
  dsn: "file:reconciled.db"
networks:
  - id: base
    chain_id: 8453
    rpc_endpoints: ["https://base.example"]
    escrow_address: "0x00000000000000000000000000000000000ba5e0"
    min_confirmations: 3
    tokens:
      - symbol: usdc
        address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
        decimals: 6
  - id: celo
    chain_id: 42220
    rpc_endpoints: ["https://celo.example", "https://celo-backup.example"]
    escrow_address: "0x00000000000000000000000000000000000ce100"
    start_block: 100
sweeper:
  interval: 30s
settlement:
  milestone_heuristic: false
operator:
  jwt_secret: from-file
`

const tomlConfig = `
listen = ":9001"

[database]
driver = "postgres"
dsn = "postgres://reconciled@localhost/reconciled"

[[networks]]
id = "base"
chain_id = 8453
rpc_endpoints = ["https://base.example"]
escrow_address = "0x00000000000000000000000000000000000ba5e0"

[watcher]
poll_interval = "2s"
degraded_after = "10m"

[operator]
jwt_secret = "toml-secret"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "reconciled.yaml", yamlConfig))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 30*time.Second, cfg.Sweeper.Interval.Duration)
	require.Equal(t, 5, cfg.Sweeper.MaxAttempts)
	require.False(t, *cfg.Settlement.MilestoneHeuristic)
	require.Equal(t, 5*time.Second, cfg.Watcher.PollInterval.Duration)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	require.Equal(t, []string{"base", "celo"}, reg.IDs())
	base, err := reg.Resolve("base")
	require.NoError(t, err)
	tok, ok := base.TokenByAddress(common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"))
	require.True(t, ok)
	require.Equal(t, "USDC", tok.Symbol)
	celo, err := reg.Resolve("celo")
	require.NoError(t, err)
	require.Equal(t, uint64(100), celo.StartBlock)
	require.Len(t, celo.RPCEndpoints, 2)
}

func TestLoadConfigTOML(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "reconciled.toml", tomlConfig))
	require.NoError(t, err)
	require.Equal(t, ":9001", cfg.Listen)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 2*time.Second, cfg.Watcher.PollInterval.Duration)
	require.Equal(t, 10*time.Minute, cfg.Watcher.DegradedAfter.Duration)
	require.True(t, *cfg.Settlement.MilestoneHeuristic)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RECONCILED_OPERATOR_JWT_SECRET", "from-env")
	t.Setenv("RECONCILED_DATABASE_URL", "file:override.db")
	t.Setenv("RECONCILED_WEBHOOK_SECRET", "push-secret")

	cfg, err := LoadConfig(writeConfig(t, "reconciled.yaml", yamlConfig))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Operator.JWTSecret)
	require.Equal(t, "file:override.db", cfg.Database.DSN)
	require.Equal(t, "push-secret", cfg.Webhook.Secret)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no networks": `
database: {driver: sqlite, dsn: "file:x.db"}
operator: {jwt_secret: s}
`,
		"bad escrow": `
database: {driver: sqlite, dsn: "file:x.db"}
operator: {jwt_secret: s}
networks:
  - {id: base, chain_id: 1, rpc_endpoints: ["http://a"], escrow_address: "nope"}
`,
		"missing rpc": `
database: {driver: sqlite, dsn: "file:x.db"}
operator: {jwt_secret: s}
networks:
  - {id: base, chain_id: 1, escrow_address: "0x00000000000000000000000000000000000ba5e0"}
`,
		"unknown driver": `
database: {driver: mysql, dsn: "x"}
operator: {jwt_secret: s}
networks:
  - {id: base, chain_id: 1, rpc_endpoints: ["http://a"], escrow_address: "0x00000000000000000000000000000000000ba5e0"}
`,
		"degraded before first poll": `
database: {driver: sqlite, dsn: "file:x.db"}
operator: {jwt_secret: s}
watcher: {poll_interval: 10s, degraded_after: 5s}
networks:
  - {id: base, chain_id: 1, rpc_endpoints: ["http://a"], escrow_address: "0x00000000000000000000000000000000000ba5e0"}
`,
		"unknown field": `
database: {driver: sqlite, dsn: "file:x.db"}
operator: {jwt_secret: s}
netwerks: []
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "reconciled.yaml", body))
			require.Error(t, err)
		})
	}
}
