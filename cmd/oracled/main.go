// Command oracled runs one oracle operator: the chain-A watcher, the
// quorum coordinator, the chain-B submitter, the expiry reaper and the
// client-facing HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	paymentoracle "github.com/fiapo/payment-oracle"
	"github.com/fiapo/payment-oracle/audit"
	"github.com/fiapo/payment-oracle/chainwatch"
	"github.com/fiapo/payment-oracle/config"
	"github.com/fiapo/payment-oracle/logger"
	"github.com/fiapo/payment-oracle/metrics"
	"github.com/fiapo/payment-oracle/quorum"
	"github.com/fiapo/payment-oracle/settlement"
	"github.com/fiapo/payment-oracle/store"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	logg := logger.NewZapLogger(cfg.Logging.Level)
	rec := metrics.NewPrometheusRecorder()

	trail := buildTrail(cfg)
	st, err := buildStore(cfg, trail)
	if err != nil {
		log.Fatalf("initializing store: %v", err)
	}

	signer, err := quorum.NewSigner(cfg.Oracle.OperatorID, cfg.Oracle.OperatorKey)
	if err != nil {
		log.Fatalf("loading operator key: %v", err)
	}

	schedule, err := cfg.Oracle.Schedule()
	if err != nil {
		log.Fatalf("parsing fee schedule: %v", err)
	}

	peers, err := cfg.Oracle.PeerList()
	if err != nil {
		log.Fatalf("parsing operator peers: %v", err)
	}
	operators := make(map[string]common.Address, len(peers))
	for id, addr := range peers {
		if !common.IsHexAddress(addr) {
			log.Fatalf("operator %s has invalid address %s", id, addr)
		}
		operators[id] = common.HexToAddress(addr)
	}
	// a single-operator dev setup needs no peer list
	if len(operators) == 0 {
		operators[signer.OperatorID()] = signer.Address()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainB, err := settlement.DialSubstrate(ctx, cfg.ChainB.RPCUrl, cfg.ChainB.SettleMethod)
	if err != nil {
		log.Fatalf("connecting to chain B: %v", err)
	}
	defer chainB.Close()

	oracle, err := paymentoracle.New(paymentoracle.Config{
		Receiver:        cfg.ChainA.Receiver,
		MinDepth:        cfg.ChainA.MinDepth,
		QuorumThreshold: cfg.Oracle.QuorumThreshold,
		RequestTTL:      cfg.Oracle.RequestTTL,
		PollInterval:    cfg.ChainA.PollInterval,
		MaxBackoff:      cfg.ChainA.MaxBackoff,
		SweepInterval:   cfg.Oracle.SweepInterval,
		SettleInterval:  cfg.Oracle.SettleInterval,
		Schedule:        schedule,
	}, paymentoracle.Params{
		Store:     st,
		Reader:    chainwatch.NewSolanaReader(cfg.ChainA.RPCUrl, cfg.ChainA.TokenDecimals),
		ChainB:    chainB,
		Signer:    signer,
		Operators: operators,
	},
		paymentoracle.WithLogger(logg),
		paymentoracle.WithMetrics(rec),
	)
	if err != nil {
		log.Fatalf("building oracle: %v", err)
	}

	oracle.Start(ctx)
	defer oracle.Close()

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      oracle.Server().Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logg.Info("http server listening", map[string]any{"port": cfg.HTTP.Port})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("http server failed", map[string]any{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	logg.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error("http shutdown failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func buildTrail(cfg *config.Config) audit.Trail {
	brokers := cfg.Kafka.BrokerList()
	if len(brokers) == 0 {
		return audit.NoopTrail{}
	}
	return audit.NewKafkaTrail(brokers, cfg.Kafka.AuditTopic, audit.RetryConfig{Jitter: true})
}

func buildStore(cfg *config.Config, trail audit.Trail) (store.Store, error) {
	if cfg.DB.DSN == "" {
		return store.NewMemory(trail), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return store.NewPostgres(db, trail)
}
