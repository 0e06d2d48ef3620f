package config

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{
		Redis: RedisConfig{Dns: "localhost:6379"},
	}
	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"},
	}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: " some-dns "},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, "some-dns", cnf.DataSource.Dns)
	assert.Equal(t, DEFAULT_TICK_LIMIT, cnf.Epoch.TickLimit)
	assert.Equal(t, StakePolicyExclude, cnf.Epoch.StakePolicy)
	assert.Equal(t, DEFAULT_AGGREGATION_LEASE, cnf.Epoch.AggregationLease)
	assert.Equal(t, DEFAULT_EXECUTION_BATCH, cnf.Execution.BatchLimit)
	assert.Equal(t, DEFAULT_MAX_ATTEMPTS, cnf.Execution.MaxAttempts)
	assert.Equal(t, DEFAULT_CLAIM_THRESHOLD, cnf.Consensus.ClaimThresholdWeight)
	assert.Equal(t, DEFAULT_INTENT_THRESHOLD, cnf.Consensus.IntentThresholdWeight)
	assert.Equal(t, FinalizationOffchain, cnf.Consensus.ClaimFinalizationMode)
	assert.Equal(t, DEFAULT_WEBHOOK_QUEUE, cnf.Queue.WebhookQueue)
	assert.Equal(t, DEFAULT_RECEIPT_TIMEOUT_SEC, cnf.Chain.ReceiptTimeoutSec)
	assert.Equal(t, DEFAULT_MAX_OPEN_CONNS, cnf.DataSource.MaxOpenConns)
	assert.Equal(t, DEFAULT_CONN_MAX_LIFETIME, cnf.DataSource.ConnMaxLifetime)
}

func TestValidateAndAddDefaults_RateLimitPairing(t *testing.T) {
	rps := 10.0
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Chain:      ChainConfig{RequestsPerSecond: &rps},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.Chain.Burst)
	assert.Equal(t, 20, *cnf.Chain.Burst)

	burst := 6
	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Chain:      ChainConfig{Burst: &burst},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.Chain.RequestsPerSecond)
	assert.Equal(t, 3.0, *cnf.Chain.RequestsPerSecond)
}

func TestValidateAndAddDefaults_RejectsBadConsensusSettings(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Consensus:  ConsensusConfig{ClaimFinalizationMode: "sometimes"},
	}
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Consensus:  ConsensusConfig{VerifierAllowlist: []string{"not-an-address"}},
	}
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Consensus:  ConsensusConfig{VerifierAllowlist: []string{" 0xABCDEFabcdef0123456789abcdef0123456789AB "}},
	}
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, "0xabcdefabcdef0123456789abcdef0123456789ab", cnf.Consensus.VerifierAllowlist[0])
}

func TestSignerKeyResolution(t *testing.T) {
	relayerKey := "0x" + strings.Repeat("a", 64)
	executorKey := "0x" + strings.Repeat("b", 64)

	_, err := SignerConfig{}.PublisherKey()
	assert.Error(t, err)

	key, err := SignerConfig{RelayerSignerKey: relayerKey, ExecutorKey: executorKey}.PublisherKey()
	require.NoError(t, err)
	assert.Equal(t, relayerKey, key)

	key, err = SignerConfig{ExecutorKey: executorKey}.PublisherKey()
	require.NoError(t, err)
	assert.Equal(t, executorKey, key)

	_, err = SignerConfig{SnapshotPublisherKey: "0x1234"}.PublisherKey()
	assert.Error(t, err)

	key, err = SignerConfig{RelayerSignerKey: relayerKey, ExecutorKey: executorKey}.ExecutionKey()
	require.NoError(t, err)
	assert.Equal(t, executorKey, key)
}

func TestValidateChain(t *testing.T) {
	assert.EqualError(t, ChainConfig{RpcUrl: "http://localhost:8545"}.ValidateChain(), "CHAIN_ID must be a positive number")
	assert.EqualError(t, ChainConfig{ChainID: 10143}.ValidateChain(), "RPC_URL is required")
	assert.NoError(t, ChainConfig{ChainID: 10143, RpcUrl: "http://localhost:8545"}.ValidateChain())
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "openfunderse.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Chain:       ChainConfig{ChainID: 1, RpcUrl: "http://file"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	t.Setenv("OPENFUNDERSE_PROJECT_NAME", "Env Project")
	t.Setenv("CHAIN_ID", "10143")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, int64(10143), loadedConfig.Chain.ChainID)
	assert.Equal(t, "http://file", loadedConfig.Chain.RpcUrl)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "openfunderse.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "InitConfig Test", loadedConfig.ProjectName)
	assert.Equal(t, "init-config-dns", loadedConfig.DataSource.Dns)
}
