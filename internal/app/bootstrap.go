// Package app wires the raffle engine together: storage, transports, the
// payment matcher and the domain services.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tronraffle/config"
	"tronraffle/internal/app/dto"
	"tronraffle/internal/domain/repository"
	"tronraffle/internal/domain/service"
	"tronraffle/internal/domain/useCases"
	ws "tronraffle/internal/handlers/websocket"
	redisrepo "tronraffle/internal/infrastructure/cache"
	"tronraffle/internal/infrastructure/chain"
	"tronraffle/internal/infrastructure/entropy"
	"tronraffle/internal/infrastructure/queue"
	"tronraffle/internal/infrastructure/storage"
)

// Processor is the common interface of the direct-channel and Kafka matchers.
type Processor interface {
	Run(ctx context.Context) error
}

// AppContext holds all app dependencies
type AppContext struct {
	Config      *config.Config
	Raffles     *service.RaffleLedgerService
	Draws       *service.DrawEngine
	Payouts     *service.PayoutDispatcher
	Scheduler   *service.ExpiryScheduler
	Broadcaster *ws.Broadcaster
	Chain       useCases.ChainClient
	Poller      *ChainPoller

	Processor     Processor
	KafkaConsumer *queue.KafkaConsumer
	KafkaProducer *queue.KafkaProducer
	TransferCh    chan *dto.TransferDTO

	SetupDefaults struct {
		EntryFee  decimal.Decimal
		HostSplit int
		Duration  int
	}
}

// NewApp initializes the app context with all dependencies
func NewApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*AppContext, error) {
	app := &AppContext{Config: cfg}

	defaultFee, err := decimal.NewFromString(cfg.DefaultEntryFee)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_ENTRY_FEE %q: %w", cfg.DefaultEntryFee, err)
	}
	app.SetupDefaults.EntryFee = defaultFee
	app.SetupDefaults.HostSplit = cfg.DefaultHostSplit
	app.SetupDefaults.Duration = cfg.DefaultDuration

	// Redis: processed-transfer dedup set and status snapshots.
	redisRepo := redisrepo.NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisRepo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("redis initialized", "addr", cfg.RedisAddr)

	// MySQL system of record.
	store, err := storage.NewMySQLRepository(cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	log.Info("mysql store initialized")

	// ClickHouse transfer archive is optional, matching how the pipeline
	// treats analytical storage: warn and continue without it.
	var archive repository.EventArchive
	chArchive, err := storage.NewClickHouseArchive(storage.ClickHouseConfig{
		Addr:     cfg.ClickhouseAddr,
		Username: cfg.ClickhouseUsername,
		Password: cfg.ClickhousePassword,
		Timeout:  cfg.ClickhouseTimeout,
	})
	if err != nil {
		log.Warn("clickhouse archive unavailable, transfers will not be archived", "err", err)
	} else {
		archive = chArchive
		log.Info("clickhouse transfer archive initialized")
	}

	app.Broadcaster = ws.NewBroadcaster()

	app.Chain = chain.NewTronGridClient(chain.Config{
		TronGridURL:     cfg.TronGridURL,
		WalletDaemonURL: cfg.WalletDaemonURL,
		Contract:        cfg.USDTContract,
		OperatorAddress: cfg.OperatorAddress,
	})

	var entropySource useCases.EntropySource
	if cfg.EntropyBeaconURL != "" {
		entropySource = entropy.NewBeaconClient(cfg.EntropyBeaconURL)
		log.Info("using external randomness beacon", "url", cfg.EntropyBeaconURL)
	} else {
		entropySource = entropy.CryptoSource{}
		log.Info("using local entropy source")
	}

	// Domain services.
	app.Raffles = service.NewRaffleLedgerService(store, redisRepo, log)
	app.Scheduler = service.NewExpiryScheduler(app.Raffles.Close, log)
	app.Raffles.AttachScheduler(app.Scheduler)
	if err := app.Raffles.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore raffles: %w", err)
	}
	app.Draws = service.NewDrawEngine(app.Raffles, entropySource, store, app.Broadcaster, cfg.AdminWallet, log)
	app.Payouts = service.NewPayoutDispatcher(app.Raffles, app.Chain, store, app.Broadcaster, log)
	app.Payouts.MaxAttempts = cfg.PayoutMaxAttempts
	app.Payouts.BackoffBase = time.Duration(cfg.PayoutBackoffBaseMS) * time.Millisecond

	// Transfer ingestion: Kafka transport when brokers are configured,
	// otherwise the poller feeds the matcher directly.
	pollerOut := make(chan *dto.TransferDTO, cfg.EventBufferSize)
	app.TransferCh = pollerOut
	if len(cfg.KafkaBrokers) > 0 {
		kafkaConfig := queue.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			BatchSize:     cfg.KafkaBatchSize,
			BatchTimeout:  cfg.KafkaBatchTimeout,
		}
		app.KafkaConsumer = queue.NewKafkaConsumer(kafkaConfig)
		app.KafkaProducer = queue.NewKafkaProducer(kafkaConfig)

		kp := NewKafkaEventProcessor(app.KafkaConsumer, app.Raffles, redisRepo, cfg.OperatorAddress, log)
		kp.SetArchive(archive)
		kp.SetNotifier(app.Broadcaster)
		app.Processor = kp

		// The poller publishes into Kafka; a relay drains its channel.
		go app.relayToKafka(ctx, log, pollerOut)
		log.Info("using kafka for transfer ingestion", "topic", cfg.KafkaTopic)
	} else {
		processor := NewEventProcessor(pollerOut, app.Raffles, redisRepo, cfg.OperatorAddress, log)
		processor.Archive = archive
		processor.Notifier = app.Broadcaster
		app.Processor = processor
		log.Info("kafka not configured, using direct channel")
	}

	app.Poller = NewChainPoller(app.Chain, pollerOut, time.Duration(cfg.PollIntervalSec)*time.Second, log)

	return app, nil
}

// relayToKafka forwards polled transfers into the Kafka topic.
func (a *AppContext) relayToKafka(ctx context.Context, log *slog.Logger, in <-chan *dto.TransferDTO) {
	for {
		select {
		case <-ctx.Done():
			return
		case transfer, ok := <-in:
			if !ok {
				return
			}
			if err := a.KafkaProducer.PublishTransfer(ctx, transfer); err != nil {
				log.Error("failed to publish transfer to kafka", "tx", transfer.TxID, "err", err)
			}
		}
	}
}

// Cleanup performs graceful shutdown of all components
func (a *AppContext) Cleanup(log *slog.Logger) {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.KafkaConsumer != nil {
		log.Info("closing kafka consumer")
		if err := a.KafkaConsumer.Close(); err != nil {
			log.Error("error closing kafka consumer", "err", err)
		}
	}
	if a.KafkaProducer != nil {
		log.Info("closing kafka producer")
		if err := a.KafkaProducer.Close(); err != nil {
			log.Error("error closing kafka producer", "err", err)
		}
	}
	log.Info("all resources cleaned up")
}
