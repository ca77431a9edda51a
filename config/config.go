// Package config loads the oracle's environment configuration,
// draftea-style: a .env file when present, then env-struct parsing.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/fiapo/payment-oracle/fees"
	"github.com/fiapo/payment-oracle/types"
)

type Config struct {
	HTTP    HTTP
	DB      DB
	Kafka   Kafka
	ChainA  ChainA
	ChainB  ChainB
	Oracle  Oracle
	Logging Logging
}

type HTTP struct {
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

type DB struct {
	// DSN is empty for the in-memory store (single-node / dev).
	DSN string `env:"DATABASE_DSN"`
}

type Kafka struct {
	Brokers    string `env:"KAFKA_BROKERS"`
	AuditTopic string `env:"KAFKA_AUDIT_TOPIC" envDefault:"payment.audit"`
}

func (k Kafka) BrokerList() []string {
	if k.Brokers == "" {
		return nil
	}
	return strings.Split(k.Brokers, ",")
}

type ChainA struct {
	RPCUrl        string        `env:"CHAIN_A_RPC_URL" envDefault:"https://api.mainnet-beta.solana.com"`
	Receiver      string        `env:"CHAIN_A_RECEIVER_ADDRESS"`
	MinDepth      uint64        `env:"CHAIN_A_MIN_CONFIRMATIONS" envDefault:"1"`
	TokenDecimals int32         `env:"CHAIN_A_TOKEN_DECIMALS" envDefault:"6"`
	PollInterval  time.Duration `env:"CHAIN_A_POLL_INTERVAL" envDefault:"5s"`
	MaxBackoff    time.Duration `env:"CHAIN_A_MAX_BACKOFF" envDefault:"2m"`
}

type ChainB struct {
	RPCUrl       string `env:"CHAIN_B_RPC_URL" envDefault:"ws://127.0.0.1:9944"`
	SettleMethod string `env:"CHAIN_B_SETTLE_METHOD" envDefault:"fiapo_settlePayment"`
}

type Oracle struct {
	OperatorID string `env:"ORACLE_OPERATOR_ID"`
	// OperatorKey is the hex-encoded secp256k1 confirmation signing key.
	OperatorKey string `env:"ORACLE_OPERATOR_KEY"`
	// Peers lists the registered operator set as id=address pairs,
	// comma separated. This process's own entry must be included.
	Peers string `env:"ORACLE_OPERATOR_PEERS"`

	QuorumThreshold int           `env:"ORACLE_QUORUM_THRESHOLD" envDefault:"3"`
	RequestTTL      time.Duration `env:"ORACLE_REQUEST_TTL" envDefault:"30m"`
	SweepInterval   time.Duration `env:"ORACLE_SWEEP_INTERVAL" envDefault:"30s"`
	SettleInterval  time.Duration `env:"ORACLE_SETTLE_INTERVAL" envDefault:"10s"`

	// FeeSchedule overrides the default fee table: comma-separated
	// upperBound=percent pairs, a zero bound marking the open top tier,
	// e.g. "1000=2,10000=1,0=0.5". Empty keeps the default table.
	FeeSchedule string `env:"ORACLE_FEE_SCHEDULE"`
}

// PeerList parses the id=address operator pairs.
func (o Oracle) PeerList() (map[string]string, error) {
	peers := make(map[string]string)
	if o.Peers == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(o.Peers, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || addr == "" {
			return nil, &types.OracleError{
				Code:    types.ErrConfigError,
				Message: "malformed operator peer entry: " + pair,
			}
		}
		peers[id] = addr
	}
	return peers, nil
}

// Schedule parses the fee table override. Returns nil when unset so the
// caller falls back to the default table.
func (o Oracle) Schedule() ([]fees.Tier, error) {
	if o.FeeSchedule == "" {
		return nil, nil
	}
	var tiers []fees.Tier
	for _, pair := range strings.Split(o.FeeSchedule, ",") {
		bound, percent, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, &types.OracleError{
				Code:    types.ErrConfigError,
				Message: "malformed fee schedule entry: " + pair,
			}
		}
		b, err := decimal.NewFromString(bound)
		if err != nil {
			return nil, &types.OracleError{
				Code:    types.ErrConfigError,
				Message: "invalid fee tier bound: " + bound,
			}
		}
		p, err := decimal.NewFromString(percent)
		if err != nil {
			return nil, &types.OracleError{
				Code:    types.ErrConfigError,
				Message: "invalid fee tier percent: " + percent,
			}
		}
		tiers = append(tiers, fees.Tier{UpperBound: b, Percent: p})
	}
	return tiers, nil
}

type Logging struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

func New() (*Config, error) {
	// a missing .env file is fine in production
	_ = godotenv.Load(".env")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, &types.OracleError{
			Code:    types.ErrConfigError,
			Message: "parsing environment: " + err.Error(),
		}
	}
	return &cfg, nil
}
