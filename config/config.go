/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_TICK_LIMIT          = 50
	DEFAULT_EXECUTION_BATCH     = 20
	DEFAULT_MAX_ATTEMPTS        = 5
	DEFAULT_CLAIM_THRESHOLD     = "3"
	DEFAULT_INTENT_THRESHOLD    = "5"
	DEFAULT_EPOCH_SCHEDULE      = "@every 30s"
	DEFAULT_EXECUTION_SCHEDULE  = "@every 15s"
	DEFAULT_WEBHOOK_QUEUE       = "new:webhook"
	DEFAULT_EVENT_CHANNEL       = "openfunderse:events"
	DEFAULT_RECEIPT_TIMEOUT_SEC = 120
	DEFAULT_RECEIPT_POLL_MS     = 1000
	DEFAULT_MONITORING_PORT     = "5004"
	DEFAULT_MAX_OPEN_CONNS      = 25
	DEFAULT_MAX_IDLE_CONNS      = 10
	DEFAULT_CONN_MAX_LIFETIME   = 30 * time.Minute
	DEFAULT_CONN_MAX_IDLE_TIME  = 5 * time.Minute
	DEFAULT_AGGREGATION_LEASE   = 10 * time.Minute

	StakePolicyExclude = "exclude"
	StakePolicyUnit    = "unit"

	FinalizationOffchain = "OFFCHAIN"
	FinalizationOnchain  = "ONCHAIN"
)

var (
	ConfigStore atomic.Value

	privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

type DataSourceConfig struct {
	Dns             string        `json:"dns" envconfig:"OPENFUNDERSE_DATA_SOURCE_DNS"`
	MaxOpenConns    int           `json:"max_open_conns" envconfig:"OPENFUNDERSE_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" envconfig:"OPENFUNDERSE_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" envconfig:"OPENFUNDERSE_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" envconfig:"OPENFUNDERSE_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"OPENFUNDERSE_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"OPENFUNDERSE_REDIS_SKIP_TLS_VERIFY"`
}

// ChainConfig describes the ledger the relayer anchors snapshots on and
// submits intents to.
type ChainConfig struct {
	ChainID             int64    `json:"chain_id" envconfig:"CHAIN_ID"`
	RpcUrl              string   `json:"rpc_url" envconfig:"RPC_URL"`
	CoreAddress         string   `json:"core_address" envconfig:"CLAW_CORE_ADDRESS"`
	ClaimBookAddress    string   `json:"claim_book_address" envconfig:"CLAIM_BOOK_ADDRESS"`
	IntentBookAddress   string   `json:"intent_book_address" envconfig:"INTENT_BOOK_ADDRESS"`
	RequestsPerSecond   *float64 `json:"requests_per_second" envconfig:"RPC_REQUESTS_PER_SECOND"`
	Burst               *int     `json:"burst" envconfig:"RPC_BURST"`
	ReceiptTimeoutSec   int      `json:"receipt_timeout_sec" envconfig:"RECEIPT_TIMEOUT_SEC"`
	ReceiptPollInterval int      `json:"receipt_poll_interval_ms" envconfig:"RECEIPT_POLL_INTERVAL_MS"`
}

// SignerConfig carries the private keys used by the transaction signer.
// Keys are only checked for shape here; signing happens behind ledger.Signer.
type SignerConfig struct {
	SnapshotPublisherKey string `json:"snapshot_publisher_private_key" envconfig:"SNAPSHOT_PUBLISHER_PRIVATE_KEY"`
	RelayerSignerKey     string `json:"relayer_signer_private_key" envconfig:"RELAYER_SIGNER_PRIVATE_KEY"`
	ExecutorKey          string `json:"executor_private_key" envconfig:"EXECUTOR_PRIVATE_KEY"`
}

type ConsensusConfig struct {
	ClaimThresholdWeight  string   `json:"claim_threshold_weight" envconfig:"CLAIM_THRESHOLD_WEIGHT"`
	IntentThresholdWeight string   `json:"intent_threshold_weight" envconfig:"INTENT_THRESHOLD_WEIGHT"`
	VerifierWeights       string   `json:"verifier_weight_snapshot" envconfig:"VERIFIER_WEIGHT_SNAPSHOT"`
	VerifierAllowlist     []string `json:"verifier_allowlist" envconfig:"VERIFIER_ALLOWLIST"`
	ClaimFinalizationMode string   `json:"claim_finalization_mode" envconfig:"CLAIM_FINALIZATION_MODE"`
}

type EpochConfig struct {
	TickLimit   int    `json:"tick_limit" envconfig:"EPOCH_TICK_LIMIT"`
	Schedule    string `json:"schedule" envconfig:"EPOCH_TICK_SCHEDULE"`
	StakePolicy string `json:"stake_policy" envconfig:"EPOCH_STAKE_POLICY"`

	// AggregationLease is how long a tick owns a CLOSED epoch before another
	// tick may take over its aggregation.
	AggregationLease time.Duration `json:"aggregation_lease" envconfig:"EPOCH_AGGREGATION_LEASE"`
}

type ExecutionConfig struct {
	BatchLimit  int    `json:"batch_limit" envconfig:"EXECUTION_BATCH_LIMIT"`
	MaxAttempts int    `json:"max_attempts" envconfig:"EXECUTION_MAX_ATTEMPTS"`
	Schedule    string `json:"schedule" envconfig:"EXECUTION_SCHEDULE"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"OPENFUNDERSE_WEBHOOK_QUEUE"`
	MonitoringPort string `json:"monitoring_port" envconfig:"OPENFUNDERSE_QUEUE_MONITORING_PORT"`
}

type EventsConfig struct {
	ChannelPrefix string `json:"channel_prefix" envconfig:"OPENFUNDERSE_EVENT_CHANNEL"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"OPENFUNDERSE_TRACING_ENABLED"`
	Endpoint string `json:"endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"OPENFUNDERSE_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"OPENFUNDERSE_PROJECT_NAME"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Chain        ChainConfig      `json:"chain"`
	Signer       SignerConfig     `json:"signer"`
	Consensus    ConsensusConfig  `json:"consensus"`
	Epoch        EpochConfig      `json:"epoch"`
	Execution    ExecutionConfig  `json:"execution"`
	Queue        QueueConfig      `json:"queue"`
	Events       EventsConfig     `json:"events"`
	Tracing      TracingConfig    `json:"tracing"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	err = envconfig.Process("openfunderse", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called openfunderse.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "openfunderse relayer"
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Chain.RpcUrl = strings.TrimSpace(cnf.Chain.RpcUrl)

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.DataSource.MaxOpenConns <= 0 {
		cnf.DataSource.MaxOpenConns = DEFAULT_MAX_OPEN_CONNS
	}
	if cnf.DataSource.MaxIdleConns <= 0 {
		cnf.DataSource.MaxIdleConns = DEFAULT_MAX_IDLE_CONNS
	}
	if cnf.DataSource.ConnMaxLifetime <= 0 {
		cnf.DataSource.ConnMaxLifetime = DEFAULT_CONN_MAX_LIFETIME
	}
	if cnf.DataSource.ConnMaxIdleTime <= 0 {
		cnf.DataSource.ConnMaxIdleTime = DEFAULT_CONN_MAX_IDLE_TIME
	}

	if cnf.Epoch.TickLimit <= 0 {
		cnf.Epoch.TickLimit = DEFAULT_TICK_LIMIT
	}
	if cnf.Epoch.Schedule == "" {
		cnf.Epoch.Schedule = DEFAULT_EPOCH_SCHEDULE
	}
	if cnf.Epoch.StakePolicy == "" {
		cnf.Epoch.StakePolicy = StakePolicyExclude
	}
	if cnf.Epoch.AggregationLease <= 0 {
		cnf.Epoch.AggregationLease = DEFAULT_AGGREGATION_LEASE
	}
	if cnf.Execution.BatchLimit <= 0 {
		cnf.Execution.BatchLimit = DEFAULT_EXECUTION_BATCH
	}
	if cnf.Execution.MaxAttempts <= 0 {
		cnf.Execution.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if cnf.Execution.Schedule == "" {
		cnf.Execution.Schedule = DEFAULT_EXECUTION_SCHEDULE
	}
	if cnf.Consensus.ClaimThresholdWeight == "" {
		cnf.Consensus.ClaimThresholdWeight = DEFAULT_CLAIM_THRESHOLD
	}
	if cnf.Consensus.IntentThresholdWeight == "" {
		cnf.Consensus.IntentThresholdWeight = DEFAULT_INTENT_THRESHOLD
	}
	if cnf.Consensus.ClaimFinalizationMode == "" {
		cnf.Consensus.ClaimFinalizationMode = FinalizationOffchain
	}
	cnf.Consensus.ClaimFinalizationMode = strings.ToUpper(cnf.Consensus.ClaimFinalizationMode)
	for i, v := range cnf.Consensus.VerifierAllowlist {
		cnf.Consensus.VerifierAllowlist[i] = strings.ToLower(strings.TrimSpace(v))
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}
	if cnf.Events.ChannelPrefix == "" {
		cnf.Events.ChannelPrefix = DEFAULT_EVENT_CHANNEL
	}
	if cnf.Chain.ReceiptTimeoutSec <= 0 {
		cnf.Chain.ReceiptTimeoutSec = DEFAULT_RECEIPT_TIMEOUT_SEC
	}
	if cnf.Chain.ReceiptPollInterval <= 0 {
		cnf.Chain.ReceiptPollInterval = DEFAULT_RECEIPT_POLL_MS
	}

	if cnf.Chain.RequestsPerSecond != nil && cnf.Chain.Burst == nil {
		defaultBurst := 2 * int(*cnf.Chain.RequestsPerSecond)
		if defaultBurst < 1 {
			defaultBurst = 1
		}
		cnf.Chain.Burst = &defaultBurst
		log.Printf("Warning: RPC burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.Chain.RequestsPerSecond == nil && cnf.Chain.Burst != nil {
		defaultRPS := float64(*cnf.Chain.Burst) / 2
		cnf.Chain.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: RPC requests per second not specified. Setting default value: %.2f", defaultRPS)
	}

	return validation.ValidateStruct(&cnf.Consensus,
		validation.Field(&cnf.Consensus.ClaimFinalizationMode, validation.In(FinalizationOffchain, FinalizationOnchain)),
		validation.Field(&cnf.Consensus.VerifierAllowlist, validation.Each(validation.Match(addressPattern))),
	)
}

// ValidateChain reports whether the ledger connection settings are usable.
func (c ChainConfig) ValidateChain() error {
	if c.ChainID <= 0 {
		return errors.New("CHAIN_ID must be a positive number")
	}
	if c.RpcUrl == "" {
		return errors.New("RPC_URL is required")
	}
	return nil
}

// PublisherKey resolves the key used to publish snapshots.
func (s SignerConfig) PublisherKey() (string, error) {
	return firstKey("missing required key to publish snapshot (set SNAPSHOT_PUBLISHER_PRIVATE_KEY or RELAYER_SIGNER_PRIVATE_KEY or EXECUTOR_PRIVATE_KEY)",
		s.SnapshotPublisherKey, s.RelayerSignerKey, s.ExecutorKey)
}

// ExecutionKey resolves the key used to submit executions and attestations.
func (s SignerConfig) ExecutionKey() (string, error) {
	return firstKey("missing required key to execute intents (set EXECUTOR_PRIVATE_KEY or RELAYER_SIGNER_PRIVATE_KEY)",
		s.ExecutorKey, s.RelayerSignerKey)
}

func firstKey(missing string, keys ...string) (string, error) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if !privateKeyPattern.MatchString(k) {
			return "", errors.New("signer key must be a 0x-prefixed 32 byte hex string")
		}
		return k, nil
	}
	return "", errors.New(missing)
}

func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
